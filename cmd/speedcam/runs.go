package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/banshee-data/speedcam/internal/db"
	"github.com/banshee-data/speedcam/internal/report"
	"github.com/banshee-data/speedcam/internal/units"
)

const defaultDBPath = "speedcam.db"

func newRunsCmd() *cobra.Command {
	var (
		dbPath string
		remove string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the runs recorded in a database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := db.NewDB(dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer database.Close()

			if remove != "" {
				if err := database.DeleteRun(remove); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted run %s\n", remove)
				return nil
			}

			runs, err := database.ListRuns()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tFRAMES\tWARNINGS\tSOURCE")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.ID, humanize.Time(r.StartedAt), r.Status, humanize.Comma(int64(r.Frames)), r.Warnings, r.Source)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&dbPath, "db", defaultDBPath, "sqlite database")
	f.StringVar(&remove, "delete", "", "delete the run with this ID instead of listing")
	return cmd
}

func newReportCmd() *cobra.Command {
	var (
		dbPath    string
		runID     string
		unit      string
		overspeed bool
		outputs   reportOutputs
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise a recorded run",
		Long: `Aggregate the tracks of a recorded run into vehicle counts and speed
percentiles. Without --report, --histogram or --chart a short summary is
printed. With --overspeed the overspeed vehicles are listed, fastest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return errors.New("--run is required")
			}
			database, err := db.NewDB(dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer database.Close()

			run, err := database.GetRun(runID)
			if err != nil {
				return err
			}
			tracks, err := database.RunTracks(runID)
			if err != nil {
				return err
			}
			rep, err := report.Build(tracks, run.SpeedLimitMps, run.SpeedToleranceMps, unit)
			if err != nil {
				return err
			}
			rep.RunID = run.ID
			rep.Source = run.Source
			rep.Frames = run.Frames
			rep.Warnings = run.Warnings

			if err := outputs.write(rep, cmd.OutOrStdout()); err != nil {
				return err
			}
			if !overspeed {
				printSummary(cmd.ErrOrStderr(), rep)
				return nil
			}

			fast, err := database.OverspeedTracks(runID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "TRACK\tCLASS\tFRAMES\tMAX (%s)\n", units.Label(unit))
			for _, t := range fast {
				maxSpeed := "-"
				if t.MaxSpeed != nil {
					maxSpeed = fmt.Sprintf("%.1f", units.ConvertSpeed(*t.MaxSpeed, unit))
				}
				fmt.Fprintf(tw, "%d\t%s\t%d-%d\t%s\n", t.ID, t.Class, t.FirstFrame, t.LastFrame, maxSpeed)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&dbPath, "db", defaultDBPath, "sqlite database")
	f.StringVar(&runID, "run", "", "run ID")
	f.StringVar(&unit, "units", units.KMPH, "display units ("+units.GetValidUnitsString()+")")
	f.BoolVar(&overspeed, "overspeed", false, "list the overspeed vehicles")
	outputs.register(cmd)
	return cmd
}
