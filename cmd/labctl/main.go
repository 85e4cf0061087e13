package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jwalitptl/lab-booking/internal/backend"
	"github.com/jwalitptl/lab-booking/internal/catalog"
	"github.com/jwalitptl/lab-booking/internal/config"
	"github.com/jwalitptl/lab-booking/internal/geo"
	"github.com/jwalitptl/lab-booking/internal/model"
	"github.com/jwalitptl/lab-booking/internal/slot"
	"github.com/jwalitptl/lab-booking/pkg/auth"
	"github.com/jwalitptl/lab-booking/pkg/logger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "labctl",
		Short:        "Operator tools for the lab booking service",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "path to config.yml")

	rootCmd.AddCommand(slotsCmd())
	rootCmd.AddCommand(rankCmd())
	rootCmd.AddCommand(bookingsCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func newClient(cfg *config.Config) (*backend.Client, error) {
	return backend.NewClient(backend.Config{
		BaseURL:         cfg.Backend.BaseURL,
		Token:           cfg.Backend.Token,
		Timeout:         cfg.Backend.Timeout,
		RequestsPerSec:  cfg.Backend.RequestsPerSec,
		Burst:           cfg.Backend.Burst,
		BreakerFailures: cfg.Backend.BreakerFailures,
		BreakerTimeout:  cfg.Backend.BreakerTimeout,
	}, logger.Nop(), nil)
}

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Print the bookable times for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			grid, err := slot.NewGrid(cfg.Slots.ToGridConfig())
			if err != nil {
				return err
			}
			now := time.Now().In(cfg.Slots.Location())

			date := slot.DateOf(now)
			if s, _ := cmd.Flags().GetString("date"); s != "" {
				if date, err = slot.ParseDate(s); err != nil {
					return err
				}
			}

			if labID, _ := cmd.Flags().GetString("lab"); labID != "" {
				client, err := newClient(cfg)
				if err != nil {
					return err
				}
				lab, err := catalog.NewLoader(client, cfg.Catalog.CacheTTL, nil).Lab(cmd.Context(), labID)
				if err != nil {
					return err
				}
				if lab.ClosedOn(date.Weekday()) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is closed on %s\n", lab.Name, date.Weekday())
					return nil
				}
			}

			slots := grid.Available(date, now)
			if len(slots) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no slots left on %s\n", date)
				return nil
			}
			names := make([]string, len(slots))
			for i, s := range slots {
				names[i] = s.String()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", date, strings.Join(names, " "))
			return nil
		},
	}
	cmd.Flags().String("date", "", "date as YYYY-MM-DD, defaults to today")
	cmd.Flags().String("lab", "", "lab id; closed days print nothing")
	return cmd
}

func rankCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Rank the catalog's labs by distance from a point",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			var locator geo.Locator = geo.StaticLocator{}
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
				lat, _ := cmd.Flags().GetFloat64("lat")
				lng, _ := cmd.Flags().GetFloat64("lng")
				locator = geo.StaticLocator{Position: &geo.Point{Latitude: lat, Longitude: lng}}
			}
			locator = geo.NewCachedLocator(locator, cfg.Geo.PositionTimeout, cfg.Geo.PositionMaxAge)

			labs, err := catalog.NewLoader(client, cfg.Catalog.CacheTTL, nil).Labs(cmd.Context())
			if err != nil {
				return err
			}
			ranker := geo.NewRanker(cfg.Geo.ToRankerConfig(), nil)
			ranked, rankErr := ranker.RankNearby(cmd.Context(), locator, labs)
			if rankErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", rankErr)
			}
			n, _ := cmd.Flags().GetInt("limit")
			ranked = geo.Nearest(ranked, n)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDISTANCE\tTESTS")
			for _, lab := range ranked {
				dist := "unknown"
				if lab.DistanceKnown() {
					dist = fmt.Sprintf("%.1f km", lab.DistanceKm)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", lab.ID, lab.Name, dist, len(lab.Tests))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Float64("lat", 0, "latitude")
	cmd.Flags().Float64("lng", 0, "longitude")
	cmd.Flags().Int("limit", 10, "number of labs to show, 0 for all")
	return cmd
}

func bookingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bookings",
		Short: "Inspect and cancel bookings",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List bookings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			status, _ := cmd.Flags().GetString("status")
			page, _ := cmd.Flags().GetInt("page")
			size, _ := cmd.Flags().GetInt("page-size")

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Backend.Timeout)
			defer cancel()
			result, err := client.ListBookings(ctx, model.BookingFilter{
				Status:     model.BookingStatus(status),
				Pagination: model.Pagination{Page: page, PageSize: size}.Normalize(20, 100),
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLAB\tDATE\tTIME\tSTATUS\tPAYMENT\tTOTAL")
			for _, b := range result.Items {
				lab := b.LabName
				if lab == "" {
					lab = b.LabID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n", b.ID, lab, b.Date, b.Time, b.Status, b.PaymentStatus, b.TotalAmount)
			}
			fmt.Fprintf(w, "page %d, %d total\n", result.Pagination.Page, result.Pagination.Total)
			return w.Flush()
		},
	}
	listCmd.Flags().String("status", "", "pending, confirmed or cancelled")
	listCmd.Flags().Int("page", 1, "page number")
	listCmd.Flags().Int("page-size", 20, "page size")

	cancelCmd := &cobra.Command{
		Use:   "cancel <booking-id>",
		Short: "Cancel a booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			b, err := client.CancelBooking(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "booking %s is %s\n", b.ID, b.Status)
			return nil
		},
	}

	cmd.AddCommand(listCmd, cancelCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <patient-id>",
		Short: "Issue a patient access token for testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("no jwt secret configured, set LABBOOK_JWT_SECRET")
			}
			name, _ := cmd.Flags().GetString("name")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.Issuer).GenerateAccessToken(args[0], name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("name", "", "patient display name")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}
