package tools

import (
	"net/http"
	"time"

	"github.com/smithrun/smith/internal/registry"
	"github.com/smithrun/smith/internal/throttle"
)

// RegisterBuiltins installs the built-in tool set. gen may be nil when
// no model client is configured; the llm_caller tool is then omitted
// and plans requiring reasoning fail at planning time.
func RegisterBuiltins(reg *registry.Registry, client *http.Client, gen Generator) error {
	builtins := []registry.Tool{
		NewWeather(client).Tool(),
		NewFinance(client).Tool(),
		NewNumeric().Tool(),
		NewDiagnostics(reg).Tool(),
		NewEcho().Tool(),
	}
	if gen != nil {
		builtins = append(builtins, NewLLMCaller(gen).Tool())
	}
	for _, t := range builtins {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// ConfigurePacer applies descriptor pacing to the engine pacer.
// Descriptors without an interval fall back to the default rate table.
func ConfigurePacer(p *throttle.Pacer, reg *registry.Registry) {
	for _, d := range reg.Descriptors() {
		if d.MinIntervalSec > 0 {
			p.SetMinInterval(d.Name, time.Duration(d.MinIntervalSec*float64(time.Second)))
			continue
		}
		if rate, ok := throttle.DefaultToolRates[d.Name]; ok {
			p.SetRate(d.Name, rate)
		}
	}
}
