package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"keepgoing-assistant/internal/apperr"
	"keepgoing-assistant/internal/emergency"
	"keepgoing-assistant/internal/logger"
	"keepgoing-assistant/pkg"
)

// Store persists alerts and resolves who should receive them.
type Store interface {
	CreateAlert(ctx context.Context, rec *pkg.AlertRecord) error
	UpdateAlertDelivery(ctx context.Context, id string, status pkg.DeliveryStatus, attempts int, deliveredAt *time.Time) error
	ClinicianForPatient(ctx context.Context, patientID string) (*pkg.ClinicianContact, error)
}

// Publisher fans a new-alert event out to live dashboards.
type Publisher interface {
	Notify(ctx context.Context, payload string) error
}

// Receipt is what a channel returns after accepting an alert.
type Receipt struct {
	Channel string
	ID      string
}

// Channel delivers an alert out of band, e.g. email or SMS.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, to pkg.ClinicianContact, rec pkg.AlertRecord) (Receipt, error)
}

// Event is the NOTIFY payload.  It carries ids only.
type Event struct {
	AlertID     string  `json:"alert_id"`
	ClinicianID string  `json:"clinician_id"`
	Category    string  `json:"category"`
	Confidence  float64 `json:"confidence"`
	Status      string  `json:"status"`
}

type Config struct {
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
}

// Dispatcher raises emergency alerts in the background.  Raise never
// blocks on delivery, and delivery is detached from the caller's context
// so a client disconnect cannot cancel it.
type Dispatcher struct {
	store     Store
	channels  []Channel
	publisher Publisher
	cfg       Config
	log       *logger.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

func NewDispatcher(store Store, publisher Publisher, cfg Config, log *logger.Logger, channels ...Channel) *Dispatcher {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{
		store:     store,
		channels:  channels,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// Raise records and delivers an alert for a flagged message and returns the
// new alert id without waiting.
func (d *Dispatcher) Raise(ctx context.Context, patientID string, sig emergency.Signal) string {
	rec := pkg.AlertRecord{
		ID:             uuid.NewString(),
		PatientID:      patientID,
		Category:       sig.Category.String(),
		Confidence:     sig.Confidence,
		SourceText:     sig.SourceText,
		CreatedAt:      d.now().UTC(),
		DeliveryStatus: pkg.DeliveryPending,
	}
	detached := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(detached, rec)
	}()
	return rec.ID
}

// Wait blocks until in-flight dispatches finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, rec pkg.AlertRecord) {
	log := d.log.With("alert_id", rec.ID, "patient_id", rec.PatientID, "category", rec.Category)

	contact, err := d.store.ClinicianForPatient(ctx, rec.PatientID)
	if err != nil {
		log.Error("no clinician resolved for alert", "error", err)
	} else {
		rec.ClinicianID = contact.ClinicianID
	}

	stored := true
	if err := d.store.CreateAlert(ctx, &rec); err != nil {
		stored = false
		log.Error("alert record not persisted", "error", err)
	}

	if contact != nil {
		rec.Attempts, err = d.deliver(ctx, *contact, rec, log)
	} else {
		err = errors.New("no clinician contact")
	}
	if err != nil {
		rec.DeliveryStatus = pkg.DeliveryFailed
		log.Error("alert delivery failed", "attempts", rec.Attempts, "error", apperr.New(apperr.KindAlertDelivery, "alert.dispatch", err))
	} else {
		at := d.now().UTC()
		rec.DeliveryStatus = pkg.DeliveryDelivered
		rec.DeliveredAt = &at
		log.Info("alert delivered", "attempts", rec.Attempts)
	}

	if stored {
		if err := d.store.UpdateAlertDelivery(ctx, rec.ID, rec.DeliveryStatus, rec.Attempts, rec.DeliveredAt); err != nil {
			log.Error("alert status not persisted", "error", err)
		}
	}
	d.publish(ctx, rec, log)
}

// deliver tries every channel with at most one retry each and succeeds if
// any channel accepted the alert.  It returns the number of attempts made.
func (d *Dispatcher) deliver(ctx context.Context, to pkg.ClinicianContact, rec pkg.AlertRecord, log *logger.Logger) (int, error) {
	if len(d.channels) == 0 {
		return 0, errors.New("no delivery channels configured")
	}
	attempts := 0
	delivered := false
	var errs []error
	for _, ch := range d.channels {
		for try := 0; try < 2; try++ {
			if try > 0 && d.cfg.RetryDelay > 0 {
				time.Sleep(d.cfg.RetryDelay)
			}
			attempts++
			actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
			receipt, err := ch.Deliver(actx, to, rec)
			cancel()
			if err == nil {
				delivered = true
				log.Info("alert accepted by channel", "channel", ch.Name(), "receipt", receipt.ID)
				break
			}
			log.Warn("alert channel attempt failed", "channel", ch.Name(), "try", try+1, "error", err)
			if try == 1 {
				errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			}
		}
	}
	if !delivered {
		return attempts, errors.Join(errs...)
	}
	return attempts, nil
}

func (d *Dispatcher) publish(ctx context.Context, rec pkg.AlertRecord, log *logger.Logger) {
	if d.publisher == nil {
		return
	}
	payload, err := json.Marshal(Event{
		AlertID:     rec.ID,
		ClinicianID: rec.ClinicianID,
		Category:    rec.Category,
		Confidence:  rec.Confidence,
		Status:      string(rec.DeliveryStatus),
	})
	if err != nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	if err := d.publisher.Notify(nctx, string(payload)); err != nil {
		log.Warn("alert notify failed", "error", err)
	}
}
