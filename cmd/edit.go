package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/pricetrack/internal/dateparse"
	"github.com/marcus/pricetrack/internal/models"
	"github.com/marcus/pricetrack/internal/output"
)

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	Aliases: []string{"update"},
	Short:   "Queue an edit of a price",
	Long: `Queue a partial edit. <id> may be a temporary id from pt submit or a
server id. Only the flags you pass are changed. Editing a local record
updates it right away and marks it pending again.`,
	Example: `  pt edit tmp-1a2b3c --amount 50
  pt edit p_4f9c2e1ab37d0c55 --note "price dropped after noon"`,
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := updateFromFlags(cmd)
		if err != nil {
			return fail("%v", err)
		}

		e, err := openEnv()
		if err != nil {
			return fail("%v", err)
		}
		defer e.Close()

		ctx := cmd.Context()
		f := e.facade(nil)
		opts, err := enqueueOptions(cmd)
		if err != nil {
			return fail("%v", err)
		}

		if attachment, _ := cmd.Flags().GetString("attachment"); attachment != "" {
			ref, err := resolveAttachment(ctx, f, attachment)
			if err != nil {
				return fail("%v", err)
			}
			u.AttachmentRef = &ref
		}
		if err := u.Validate(); err != nil {
			return fail("%v", err)
		}

		rec, err := f.EnqueueUpdate(ctx, args[0], u, opts...)
		if err != nil {
			return fail("edit %s: %v", args[0], err)
		}

		if outputMode() != output.ModeText {
			_, err := output.Structured(outputMode(), map[string]any{"target": args[0], "record": rec})
			return err
		}
		output.Success("QUEUED edit of %s", args[0])
		if rec != nil {
			fmt.Println(output.FormatRecordShort(rec))
		}
		return nil
	},
}

// updateFromFlags sets a field only when its flag was given
func updateFromFlags(cmd *cobra.Command) (models.PriceUpdate, error) {
	var u models.PriceUpdate
	fl := cmd.Flags()
	str := func(name string) *string {
		if !fl.Changed(name) {
			return nil
		}
		v, _ := fl.GetString(name)
		return &v
	}

	u.Region = str("region")
	u.Quality = str("quality")
	u.Note = str("note")
	if c := str("currency"); c != nil {
		up := strings.ToUpper(strings.TrimSpace(*c))
		u.Currency = &up
	}
	if fl.Changed("amount") {
		a, _ := fl.GetFloat64("amount")
		u.Amount = &a
	}
	if d := str("date"); d != nil {
		date, err := dateparse.ParseObservedDate(*d, time.Now())
		if err != nil {
			return u, fmt.Errorf("date: %w", err)
		}
		u.Date = &date
	}
	if fl.Changed("source") || fl.Changed("source-kind") {
		name, _ := fl.GetString("source")
		kind, _ := fl.GetString("source-kind")
		u.Source = &models.SourceMeta{Name: name, Kind: kind}
	}
	if fl.Changed("lat") != fl.Changed("lng") {
		return u, errors.New("--lat and --lng go together")
	}
	if fl.Changed("lat") {
		lat, _ := fl.GetFloat64("lat")
		lng, _ := fl.GetFloat64("lng")
		u.Location = &models.Coordinates{Lat: lat, Lng: lng}
	}
	return u, nil
}

func init() {
	editCmd.Flags().String("region", "", "Region or market town")
	editCmd.Flags().String("quality", "", "Quality grade")
	editCmd.Flags().Float64("amount", 0, "Price amount")
	editCmd.Flags().String("currency", "", "ISO currency code")
	editCmd.Flags().String("date", "", "Observation date")
	editCmd.Flags().String("source", "", "Where the price was seen")
	editCmd.Flags().String("source-kind", "", "Source kind")
	editCmd.Flags().String("note", "", "Free-form note")
	editCmd.Flags().Float64("lat", 0, "Latitude")
	editCmd.Flags().Float64("lng", 0, "Longitude")
	editCmd.Flags().String("attachment", "", "File to attach, or an existing upload id")
	editCmd.Flags().String("priority", "", "Queue priority: high or normal")
	editCmd.Flags().Bool("no-sync", false, "Do not try to sync after queueing")
	rootCmd.AddCommand(editCmd)
}
