// Package container centralizes the creation and wiring of the
// application's dependencies, making them explicit and testable.
package container

import (
	"context"
	"time"

	"gorm.io/gorm"

	"finbot/internal/card"
	"finbot/internal/classifier"
	"finbot/internal/config"
	"finbot/internal/dispatch"
	"finbot/internal/installment"
	"finbot/internal/ledger"
	"finbot/internal/logging"
	"finbot/internal/pending"
	"finbot/internal/reminder"
	"finbot/internal/storage"
)

// Container holds the wired application graph.
type Container struct {
	Config *config.Config
	Log    logging.Logger

	DB          *gorm.DB
	Ledger      *ledger.Store
	Cards       *card.Engine
	Plans       *installment.Engine
	Classifier  *classifier.Classifier
	Coordinator *pending.Coordinator
}

// New opens the database and builds every engine from cfg. The optional
// AI fallback is constructed only when enabled; a failed fallback setup
// degrades to keyword-only classification with a warning.
func New(ctx context.Context, cfg *config.Config, log logging.Logger) (*Container, error) {
	db, err := storage.Open(cfg.Database.Path, cfg.Database.CategoriesFile, log)
	if err != nil {
		return nil, err
	}

	var fallback classifier.Fallback
	if cfg.AI.Enabled {
		gemini, err := classifier.NewGeminiFallback(ctx, cfg.AI.APIKey, cfg.AI.Model, log)
		if err != nil {
			log.Warn("AI fallback unavailable", logging.F("error", err.Error()))
		} else {
			fallback = gemini
		}
	}

	cards := card.New(db, log, cfg.Thresholds.CardUsageAlert)
	c := &Container{
		Config:     cfg,
		Log:        log,
		DB:         db,
		Ledger:     ledger.New(db, log),
		Cards:      cards,
		Plans:      installment.New(db, cards, log),
		Classifier: classifier.New(db, log, fallback),
		Coordinator: pending.New(pending.Options{
			Timeouts: map[pending.Kind]time.Duration{
				pending.PurchaseMethod:    cfg.Pending.PurchaseTimeout,
				pending.InstallmentMethod: cfg.Pending.InstallmentTimeout,
				pending.InvoiceAmount:     cfg.Pending.InvoiceTimeout,
				pending.DestructiveReset:  cfg.Pending.ResetTimeout,
				pending.CardCreation:      cfg.Pending.CardCreationTimeout,
			},
			DedupWindow: cfg.Pending.DedupWindow,
			Log:         log,
		}),
	}
	return c, nil
}

// Handler builds the message dispatcher on top of the container's
// engines. parser may be nil for the reference command grammar.
func (c *Container) Handler(transport dispatch.Transport, parser dispatch.IntentParser) *dispatch.Handler {
	return dispatch.New(c.Ledger, c.Cards, c.Plans, c.Classifier, c.Coordinator, transport, parser, c.Log, dispatch.Config{
		AdminExternalID:   c.Config.Admin.AccountID,
		LowBalanceRatio:   c.Config.Thresholds.LowBalance,
		LowCardLimitRatio: c.Config.Thresholds.LowCardLimit,
	})
}

// Reminder builds the reminder driver on top of the container's engines.
func (c *Container) Reminder(transport dispatch.Transport) *reminder.Driver {
	return reminder.New(c.DB, c.Plans, c.Cards, transport, c.Log, reminder.Options{
		Interval:       c.Config.Reminder.Interval,
		FirstPollDelay: c.Config.Reminder.FirstPollDelay,
		DueSoonDays:    c.Config.Reminder.DueSoonDays,
	})
}

// Close releases the database handle.
func (c *Container) Close() error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
