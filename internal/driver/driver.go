package driver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/posfleet/terminald/internal/models"
)

// IntentParams describes a payment intent to be created on the
// processor. Amounts are minor units, currency is lower-case.
type IntentParams struct {
	AmountMinorUnits   int64
	Currency           string
	PaymentMethodTypes []string
	CaptureMethod      string
	Metadata           map[string]string
}

// Intent is a created-but-uncollected payment on the processor side.
type Intent struct {
	ID               string
	AmountMinorUnits int64
	Currency         string
	Metadata         map[string]string
}

// CollectResult is the raw outcome of a successful card collection.
type CollectResult struct {
	PaymentID string
	IntentID  string
	ChargeID  string
}

// Processor is the per-reader capability for issuing card-present
// operations. A handle is exclusively owned by one device connection;
// callers must not share it across concurrent operations.
type Processor interface {
	CreateIntent(ctx context.Context, params IntentParams) (*Intent, error)
	Collect(ctx context.Context, intentID string) (*CollectResult, error)
	Cancel(ctx context.Context) error
	Receipt(ctx context.Context, res *CollectResult) (string, error)
	Ping(ctx context.Context) error
	DisconnectReader(ctx context.Context) error
	Destroy()
}

// Discovery finds candidate readers for one processor family and binds
// a processor handle to a chosen reader.
type Discovery interface {
	DiscoverReaders(ctx context.Context) ([]models.ReaderDescriptor, error)
	ConnectReader(ctx context.Context, readerID string) (Processor, error)
}

// Factory builds a Discovery for one terminal from its opaque settings.
type Factory func(settings map[string]string, log *zap.Logger) (Discovery, error)

// Catalog maps processor families to their discovery factories.
// Dispatch is by TerminalConfig.Kind.
type Catalog struct {
	factories map[string]Factory
}

func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register installs a factory for a processor family. Later
// registrations for the same kind replace earlier ones.
func (c *Catalog) Register(kind string, f Factory) {
	c.factories[kind] = f
}

// Discovery builds a Discovery for the given family and settings.
func (c *Catalog) Discovery(kind string, settings map[string]string, log *zap.Logger) (Discovery, error) {
	f, ok := c.factories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown processor kind %q", kind)
	}
	return f(settings, log)
}
