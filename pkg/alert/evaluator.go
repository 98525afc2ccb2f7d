// Package alert periodically evaluates threshold rules against recent
// metrics and traffic counters, gated by per-rule cooldowns.
package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// DefaultInterval is how often the evaluator sweeps the active rules.
const DefaultInterval = 60 * time.Second

// Notifier delivers a triggered alert to the rule's channels.
type Notifier interface {
	Dispatch(channelIDs []int64, subject, body string) error
}

// Evaluator owns the alert sweep loop. A rule triggers only when every
// sample inside its duration window breaches the threshold; a window with
// no usable samples never triggers.
type Evaluator struct {
	Store    *storage.Store
	Notify   Notifier
	Clock    clock.Clock
	Interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewEvaluator wires an evaluator with the default interval.
func NewEvaluator(store *storage.Store, notify Notifier, clk clock.Clock) *Evaluator {
	return &Evaluator{Store: store, Notify: notify, Clock: clk, Interval: DefaultInterval}
}

// Start launches the sweep loop.
func (e *Evaluator) Start() {
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.run()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (e *Evaluator) Stop() {
	if e.stopCh == nil {
		return
	}
	close(e.stopCh)
	<-e.doneCh
}

func (e *Evaluator) run() {
	defer close(e.doneCh)
	ticker := e.Clock.Ticker(e.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			e.RunOnce(now)
		}
	}
}

// RunOnce evaluates every active rule at the given instant.
func (e *Evaluator) RunOnce(now time.Time) {
	logger := log.WithComponent("alert")
	rules, err := e.Store.ListActiveAlertRules()
	if err != nil {
		logger.Error().Err(err).Msg("rule listing failed")
		return
	}
	for _, rule := range rules {
		if rule.InCooldown(now) {
			continue
		}
		breaches, err := e.evaluateRule(rule, now)
		if err != nil {
			logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("rule evaluation failed")
			continue
		}
		if len(breaches) == 0 {
			continue
		}
		if err := e.Store.MarkAlertTriggered(rule.ID, now); err != nil {
			logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("cooldown persist failed")
			continue
		}
		rule.LastTriggeredAt = &now

		subject := fmt.Sprintf("Alert: %s", rule.Name)
		body := strings.Join(breaches, "\n")
		logger.Warn().Int64("rule_id", rule.ID).Str("rule", rule.Name).
			Int("hosts", len(breaches)).Msg("alert triggered")
		if e.Notify == nil {
			continue
		}
		if err := e.Notify.Dispatch(rule.ChannelIDs, subject, body); err != nil {
			logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("notification delivery failed")
		}
	}
}

// evaluateRule returns one breach line per host in violation.
func (e *Evaluator) evaluateRule(rule *types.AlertRule, now time.Time) ([]string, error) {
	hosts, err := e.targetHosts(rule)
	if err != nil {
		return nil, err
	}
	var breaches []string
	for _, h := range hosts {
		line, breached, err := e.evaluateHost(rule, h, now)
		if err != nil {
			return nil, err
		}
		if breached {
			breaches = append(breaches, line)
		}
	}
	return breaches, nil
}

func (e *Evaluator) targetHosts(rule *types.AlertRule) ([]*types.Host, error) {
	if rule.HostID != nil {
		h, err := e.Store.GetHost(*rule.HostID)
		if err != nil {
			return nil, err
		}
		return []*types.Host{h}, nil
	}
	return e.Store.ListHostsByUser(rule.UserID)
}

func (e *Evaluator) evaluateHost(rule *types.AlertRule, h *types.Host, now time.Time) (string, bool, error) {
	if rule.MetricType == types.AlertMetricTrafficUsage {
		value, ok := trafficUsagePercent(h)
		if !ok {
			return "", false, nil
		}
		hit, known := rule.Comparator.Compare(value, rule.Threshold)
		if !known {
			log.WithComponent("alert").Warn().Int64("rule_id", rule.ID).
				Str("comparator", string(rule.Comparator)).Msg("unknown comparator")
			return "", false, nil
		}
		if !hit {
			return "", false, nil
		}
		return fmt.Sprintf("%s: traffic usage %.1f%% %s %.1f%%",
			h.Name, value, rule.Comparator, rule.Threshold), true, nil
	}

	window := time.Duration(rule.DurationSec) * time.Second
	points, err := e.Store.SnapshotsInRange(h.ID, now.Add(-window), now)
	if err != nil {
		return "", false, err
	}

	// Every usable sample in the window must breach; an empty or
	// unusable window never triggers.
	var last float64
	usable := 0
	for _, p := range points {
		value, ok := sampleValue(rule.MetricType, p)
		if !ok {
			continue
		}
		usable++
		last = value
		hit, known := rule.Comparator.Compare(value, rule.Threshold)
		if !known || !hit {
			return "", false, nil
		}
	}
	if usable == 0 {
		return "", false, nil
	}
	return fmt.Sprintf("%s: %s %.1f %s %.1f for %ds",
		h.Name, rule.MetricType, last, rule.Comparator, rule.Threshold, rule.DurationSec), true, nil
}

func sampleValue(metric types.AlertMetricType, p *types.PerformanceSnapshot) (float64, bool) {
	switch metric {
	case types.AlertMetricCPUUsage:
		return p.CPUUsagePercent, true
	case types.AlertMetricMemoryUsage:
		v := p.MemUsagePercent()
		return v, v >= 0
	}
	return 0, false
}

func trafficUsagePercent(h *types.Host) (float64, bool) {
	if h.TrafficLimitBytes <= 0 {
		return 0, false
	}
	var used int64
	switch h.TrafficBillingRule {
	case types.TrafficBillingOutOnly:
		used = h.TrafficCurrentCycleTx
	case types.TrafficBillingMaxInOut:
		used = h.TrafficCurrentCycleRx
		if h.TrafficCurrentCycleTx > used {
			used = h.TrafficCurrentCycleTx
		}
	default:
		used = h.TrafficCurrentCycleRx + h.TrafficCurrentCycleTx
	}
	return float64(used) / float64(h.TrafficLimitBytes) * 100, true
}
