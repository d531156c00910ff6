package ads1100

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"ads1100host/core"
)

const (
	cmdTestADCHelp  = "Report the last ADS1100 reading"
	cmdQueryADCHelp = "Report the last value of an analog input"
)

// RegisterCommands adds TEST_ADC CHIP=<name> for this chip
func (e *ADS1100) RegisterCommands(registry *core.CommandRegistry) error {
	return registry.RegisterMux("TEST_ADC", "CHIP", e.name, e.cmdTestADC, cmdTestADCHelp)
}

func (e *ADS1100) cmdTestADC(cmd *core.ConsoleCommand) error {
	value, timestamp := e.GetLastValue()
	cmd.RespondInfo("ads1100 %s: value=%.6f time=%.3f state=%s", e.name, value, timestamp, e.state)
	return nil
}

// ADC is an analog input QUERY_ADC can report
type ADC interface {
	GetLastValue() (value, timestamp float64)
}

// QueryRegistry holds the analog inputs known to QUERY_ADC
type QueryRegistry struct {
	mu   sync.Mutex
	adcs map[string]ADC
}

func NewQueryRegistry() *QueryRegistry {
	return &QueryRegistry{adcs: make(map[string]ADC)}
}

// RegisterADC makes adc queryable as name
func (r *QueryRegistry) RegisterADC(name string, adc ADC) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adcs[name]; ok {
		return core.ConfigErrorf("query_adc", "duplicate adc %q", name)
	}
	r.adcs[name] = adc
	return nil
}

// Lookup returns the adc registered as name
func (r *QueryRegistry) Lookup(name string) (ADC, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	adc, ok := r.adcs[name]
	return adc, ok
}

// Names returns the registered names in order
func (r *QueryRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.adcs))
	for name := range r.adcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterCommand adds QUERY_ADC [NAME=<adc>] [PULLUP=<ohms>]
func (r *QueryRegistry) RegisterCommand(registry *core.CommandRegistry) error {
	return registry.Register("QUERY_ADC", r.cmdQueryADC, cmdQueryADCHelp)
}

func (r *QueryRegistry) cmdQueryADC(cmd *core.ConsoleCommand) error {
	name := cmd.Get("NAME", "")
	adc, ok := r.Lookup(name)
	if !ok {
		names := r.Names()
		for i, n := range names {
			names[i] = fmt.Sprintf("%q", n)
		}
		cmd.RespondInfo("Available ADC objects: %s", strings.Join(names, ", "))
		return nil
	}

	value, timestamp := adc.GetLastValue()
	cmd.RespondInfo("ADC object %q has value %.6f (timestamp %.3f)", name, value, timestamp)
	if cmd.Get("PULLUP", "") == "" {
		return nil
	}
	pullup, err := cmd.GetFloat("PULLUP", 0)
	if err != nil {
		return err
	}
	if pullup <= 0 {
		return fmt.Errorf("%s: PULLUP must be above 0", cmd.Name)
	}
	v := max(.00001, min(.99999, value))
	cmd.RespondInfo("resistance %.3f (with %.0f pullup)", pullup*v/(1-v), pullup)
	return nil
}
