package cmd

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/marcus/pricetrack/internal/dateparse"
	"github.com/marcus/pricetrack/internal/db"
	"github.com/marcus/pricetrack/internal/models"
	"github.com/marcus/pricetrack/internal/mutation"
	"github.com/marcus/pricetrack/internal/output"
)

var submitCmd = &cobra.Command{
	Use:     "submit",
	Aliases: []string{"add", "report"},
	Short:   "Report a price",
	Long: `Report a price. The report is stored locally first and gets a temporary
id (tmp-...) you can edit, delete or attach to right away. It reaches the
server on the next sync.

With --direct and a good connection the price is sent immediately and only
falls back to the queue if that fails. In a terminal, missing required
fields are prompted for.`,
	Example: `  pt submit --region nairobi --commodity maize --quality grade-1 --amount 45 --currency KES --unit kg
  pt submit --region kisumu --quality fresh --amount 120 --date yesterday --attachment receipt.jpg
  pt submit --direct`,
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, dateInput, err := payloadFromFlags(cmd)
		if err != nil {
			return fail("%v", err)
		}

		noPrompt, _ := cmd.Flags().GetBool("no-prompt")
		if needsPrompt(p) && !noPrompt && output.IsTerminal() && outputMode() == output.ModeText {
			form := newPriceForm(p, dateInput)
			if err := form.build().Run(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					return nil
				}
				return fail("form: %v", err)
			}
			if dateInput, err = form.apply(&p); err != nil {
				return fail("%v", err)
			}
		}

		if dateInput == "" {
			dateInput = "today"
		}
		if p.Date, err = dateparse.ParseObservedDate(dateInput, time.Now()); err != nil {
			return fail("date: %v", err)
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

		attachment, _ := cmd.Flags().GetString("attachment")
		if attachment != "" {
			ref, err := resolveAttachment(ctx, f, attachment)
			if err != nil {
				return fail("%v", err)
			}
			p.AttachmentRef = ref
		}

		if err := p.Validate(); err != nil {
			return fail("%v", err)
		}

		direct, _ := cmd.Flags().GetBool("direct")
		var res *mutation.SubmitResult
		if direct {
			e.detectConnection(ctx)
			res, err = mutation.NewSubmitter(f, e.client, e.settings.RequestTimeout).Submit(ctx, p, opts...)
		} else {
			var rec *models.PendingRecord
			rec, err = f.EnqueueCreate(ctx, p, opts...)
			res = &mutation.SubmitResult{Record: rec}
		}
		if err != nil {
			return fail("submit: %v", err)
		}

		if ok, err := output.Structured(outputMode(), res.Record); ok || err != nil {
			return err
		}
		switch {
		case res.Direct && res.LocalErr != nil:
			output.Success("SUBMITTED %s", res.Record.ServerID)
			output.Warning("%v", res.LocalErr)
		case res.Direct:
			output.Success("SUBMITTED %s → %s", res.Record.ID, res.Record.ServerID)
		case res.DirectErr != nil:
			output.Warning("direct submit failed (%v), queued instead", res.DirectErr)
			output.Success("QUEUED %s", res.Record.ID)
		default:
			output.Success("QUEUED %s", res.Record.ID)
		}
		fmt.Println(output.FormatRecordShort(res.Record))
		return nil
	},
}

// payloadFromFlags builds a payload from whatever flags were given. The date
// is returned unparsed so a prompt can still change it.
func payloadFromFlags(cmd *cobra.Command) (models.PricePayload, string, error) {
	if cmd.Flags().Changed("amount") {
		if a, _ := cmd.Flags().GetFloat64("amount"); a <= 0 {
			return models.PricePayload{}, "", errors.New("amount must be positive")
		}
	}
	var p models.PricePayload
	p.Region, _ = cmd.Flags().GetString("region")
	p.Commodity, _ = cmd.Flags().GetString("commodity")
	p.Quality, _ = cmd.Flags().GetString("quality")
	p.Amount, _ = cmd.Flags().GetFloat64("amount")
	currency, _ := cmd.Flags().GetString("currency")
	p.Currency = strings.ToUpper(strings.TrimSpace(currency))
	p.Unit, _ = cmd.Flags().GetString("unit")
	p.Source.Name, _ = cmd.Flags().GetString("source")
	p.Source.Kind, _ = cmd.Flags().GetString("source-kind")
	p.Note, _ = cmd.Flags().GetString("note")

	if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
		lat, _ := cmd.Flags().GetFloat64("lat")
		lng, _ := cmd.Flags().GetFloat64("lng")
		p.Location = &models.Coordinates{Lat: lat, Lng: lng}
	}

	date, _ := cmd.Flags().GetString("date")
	return p, date, nil
}

// enqueueOptions reads --priority
func enqueueOptions(cmd *cobra.Command) ([]mutation.Option, error) {
	var opts []mutation.Option
	if cmd.Flags().Changed("priority") {
		s, _ := cmd.Flags().GetString("priority")
		prio, err := models.ParsePriority(s)
		if err != nil {
			return nil, err
		}
		opts = append(opts, mutation.WithPriority(prio))
	}
	return opts, nil
}

// resolveAttachment turns --attachment into a reference. A readable file is
// queued for upload and its temp ref returned; anything else must already
// be an upload id.
func resolveAttachment(ctx context.Context, f *mutation.Facade, arg string) (string, error) {
	if st, err := os.Stat(arg); err == nil && !st.IsDir() {
		item, err := queueFile(ctx, f, arg)
		if err != nil {
			return "", err
		}
		return item.LocalRef, nil
	}
	if db.IsUploadRef(arg) || strings.HasPrefix(arg, "up_") {
		return arg, nil
	}
	return "", fmt.Errorf("attachment %q is neither a file nor an upload id", arg)
}

func queueFile(ctx context.Context, f *mutation.Facade, path string, opts ...mutation.Option) (*models.QueueItem, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	defer file.Close()

	name := filepath.Base(path)
	return f.EnqueueUpload(ctx, mutation.UploadInput{
		Filename:    name,
		ContentType: mime.TypeByExtension(filepath.Ext(name)),
		Body:        file,
	}, opts...)
}

// addPriceFlags registers the payload flags shared by submit and edit
func addPriceFlags(cmd *cobra.Command) {
	cmd.Flags().String("region", "", "Region or market town")
	cmd.Flags().String("commodity", "", "What was priced")
	cmd.Flags().String("quality", "", "Quality grade")
	cmd.Flags().Float64("amount", 0, "Price amount")
	cmd.Flags().String("currency", "", "ISO currency code (e.g. KES)")
	cmd.Flags().String("unit", "", "Unit the amount is per (e.g. kg)")
	cmd.Flags().String("date", "", "Observation date: YYYY-MM-DD or a phrase like \"yesterday\"")
	cmd.Flags().String("source", "", "Where the price was seen")
	cmd.Flags().String("source-kind", "", "Source kind: market, shop, farmgate, ...")
	cmd.Flags().String("note", "", "Free-form note")
	cmd.Flags().Float64("lat", 0, "Latitude")
	cmd.Flags().Float64("lng", 0, "Longitude")
	cmd.Flags().String("attachment", "", "File to attach, or an existing upload id")
	cmd.Flags().String("priority", "", "Queue priority: high or normal")
	cmd.Flags().Bool("no-sync", false, "Do not try to sync after queueing")
}

func init() {
	addPriceFlags(submitCmd)
	submitCmd.Flags().Bool("direct", false, "Send immediately when the connection is good, queue otherwise")
	submitCmd.Flags().Bool("no-prompt", false, "Never prompt for missing fields")
	rootCmd.AddCommand(submitCmd)
}
