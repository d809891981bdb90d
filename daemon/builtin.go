package daemon

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/KeckObservatory/mKTL/config"
	"github.com/KeckObservatory/mKTL/protocol"
	"github.com/KeckObservatory/mKTL/store"
)

// addBuiltinItems contributes the standard per-daemon items to the
// descriptor before the block is hashed. The keys are the daemon's
// identifier with a well-known suffix.
func addBuiltinItems(items map[string]config.Item, identifier string) {
	prefix := strings.ToUpper(identifier)

	no := false

	if _, taken := items[prefix+"CLK"]; !taken {
		items[prefix+"CLK"] = config.Item{
			Type:        config.TypeNumeric,
			Units:       "seconds",
			Description: "Uptime for this daemon.",
			Settable:    &no,
		}
	}

	if _, taken := items[prefix+"HOST"]; !taken {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		items[prefix+"HOST"] = config.Item{
			Type:        config.TypeString,
			Description: "The hostname where this daemon is running.",
			Settable:    &no,
			Initial:     hostname,
		}
	}

	if _, taken := items[prefix+"DEV"]; !taken {
		items[prefix+"DEV"] = config.Item{
			Type:        config.TypeString,
			Description: "A terse description for the function of this daemon.",
			Persist:     true,
			Initial:     "",
		}
	}
}

// builtinFactory wires the live builtin items; it wraps the application
// factory so both run.
type builtinFactory struct {
	inner Factory
	start time.Time
}

func newBuiltinFactory(inner Factory) *builtinFactory {
	return &builtinFactory{inner: inner, start: time.Now()}
}

// Setup implements Factory.
func (f *builtinFactory) Setup(d *Daemon) error {
	prefix := strings.ToUpper(d.Identifier)

	uptime := store.Handlers{
		Poll: time.Second,
		Refresh: func(context.Context) (*protocol.Payload, error) {
			elapsed := time.Since(f.start).Seconds()
			return protocol.NewPayload(elapsed, 0), nil
		},
	}

	if err := d.AddItem(prefix+"CLK", uptime); err != nil {
		return err
	}

	return f.inner.Setup(d)
}

// SetupFinal implements Factory.
func (f *builtinFactory) SetupFinal(d *Daemon) error {
	return f.inner.SetupFinal(d)
}
