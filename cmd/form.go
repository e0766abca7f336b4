package cmd

import (
	"errors"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/marcus/pricetrack/internal/models"
)

var (
	errRegionRequired  = errors.New("region is required")
	errQualityRequired = errors.New("quality is required")
)

// priceForm holds the prompted values for pt submit. Values are strings
// because huh inputs bind to strings.
type priceForm struct {
	Region     string
	Commodity  string
	Quality    string
	Amount     string
	Currency   string
	Unit       string
	Date       string
	SourceName string
	SourceKind string
	Note       string
}

func newPriceForm(p models.PricePayload, date string) *priceForm {
	f := &priceForm{
		Region:     p.Region,
		Commodity:  p.Commodity,
		Quality:    p.Quality,
		Currency:   p.Currency,
		Unit:       p.Unit,
		Date:       date,
		SourceName: p.Source.Name,
		SourceKind: p.Source.Kind,
		Note:       p.Note,
	}
	if p.Amount > 0 {
		f.Amount = strconv.FormatFloat(p.Amount, 'f', -1, 64)
	}
	if f.Date == "" {
		f.Date = "today"
	}
	return f
}

// needsPrompt reports whether a required field is still missing
func needsPrompt(p models.PricePayload) bool {
	return strings.TrimSpace(p.Region) == "" || strings.TrimSpace(p.Quality) == "" || p.Amount <= 0
}

func (f *priceForm) build() *huh.Form {
	kindOptions := []huh.Option[string]{
		huh.NewOption("Market", "market"),
		huh.NewOption("Shop", "shop"),
		huh.NewOption("Farm gate", "farmgate"),
		huh.NewOption("Wholesale", "wholesale"),
		huh.NewOption("Other", "other"),
	}
	if f.SourceKind == "" {
		f.SourceKind = "market"
	}

	required := huh.NewGroup(
		huh.NewInput().
			Title("Region").
			Value(&f.Region).
			Placeholder("e.g. nairobi").
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errRegionRequired
				}
				return nil
			}),
		huh.NewInput().
			Title("Commodity").
			Value(&f.Commodity).
			Placeholder("e.g. maize"),
		huh.NewInput().
			Title("Quality").
			Value(&f.Quality).
			Placeholder("e.g. grade-1").
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errQualityRequired
				}
				return nil
			}),
		huh.NewInput().
			Title("Amount").
			Value(&f.Amount).
			Validate(validateAmount),
		huh.NewInput().
			Title("Currency").
			Value(&f.Currency).
			Placeholder("KES"),
		huh.NewInput().
			Title("Unit").
			Value(&f.Unit).
			Placeholder("kg"),
	)

	details := huh.NewGroup(
		huh.NewInput().
			Title("Observed").
			Description("A date or a phrase like \"yesterday\"").
			Value(&f.Date),
		huh.NewInput().
			Title("Source").
			Value(&f.SourceName).
			Placeholder("Where you saw the price"),
		huh.NewSelect[string]().
			Title("Source kind").
			Options(kindOptions...).
			Value(&f.SourceKind),
		huh.NewText().
			Title("Note").
			Value(&f.Note).
			CharLimit(500),
	)

	return huh.NewForm(required, details).WithShowHelp(true)
}

func validateAmount(s string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return errors.New("amount must be a number")
	}
	if v <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

// apply copies the prompted values back onto p
func (f *priceForm) apply(p *models.PricePayload) (date string, err error) {
	amount, err := strconv.ParseFloat(strings.TrimSpace(f.Amount), 64)
	if err != nil {
		return "", errors.New("amount must be a number")
	}
	p.Region = strings.TrimSpace(f.Region)
	p.Commodity = strings.TrimSpace(f.Commodity)
	p.Quality = strings.TrimSpace(f.Quality)
	p.Amount = amount
	p.Currency = strings.ToUpper(strings.TrimSpace(f.Currency))
	p.Unit = strings.TrimSpace(f.Unit)
	p.Source.Name = strings.TrimSpace(f.SourceName)
	p.Source.Kind = f.SourceKind
	p.Note = f.Note
	return f.Date, nil
}
