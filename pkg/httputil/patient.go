package httputil

import "context"

// HeaderPatientID names the patient a backend call is made for.
const HeaderPatientID = "X-Patient-ID"

type patientIDKey struct{}

// WithPatientID stores the authenticated patient on ctx for outbound calls.
func WithPatientID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, patientIDKey{}, id)
}

// PatientID returns the id stored by WithPatientID, or "".
func PatientID(ctx context.Context) string {
	id, _ := ctx.Value(patientIDKey{}).(string)
	return id
}
