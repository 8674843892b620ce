package proc

import (
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
)

// hogStreak tracks consecutive over-threshold samples per slot for the
// watchdog; kept out of Task itself since it is accounting-internal and
// not part of the task's externally-meaningful state.
type Accountant struct {
	log   logr.Logger
	table *Table

	hogStreak []int
	gauge     *prometheus.GaugeVec
}

// hogThreshold and hogSamples implement the hog watchdog: a killable task
// whose CPU share exceeds 90% for 5 consecutive one-second samples is
// flagged Killed.
const (
	hogThreshold = 0.90
	hogSamples   = 5
)

func NewAccountant(log logr.Logger, reg prometheus.Registerer, table *Table) *Accountant {
	a := &Accountant{log: log, table: table, hogStreak: make([]int, len(table.slots))}
	if reg != nil {
		a.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "imposos_tasks_by_state",
			Help: "Number of tasks currently in each scheduling state.",
		}, []string{"state"})
		reg.MustRegister(a.gauge)
	}
	return a
}

var stateNames = map[State]string{
	Unused: "unused", Running: "running", Ready: "ready",
	Sleeping: "sleeping", Blocked: "blocked", Zombie: "zombie",
}

// Tick credits one PIT tick to running, called from the scheduler's timer
// handler.
func (a *Accountant) Tick(running *Task) {
	if running == nil {
		return
	}
	running.Lock()
	running.Ticks++
	running.cpuTotal++
	running.Unlock()
}

// Sample runs the once-per-second rollover: Ticks -> PrevTicks, clears
// Ticks, totals CPU share, and applies the watchdog.
func (a *Accountant) Sample() {
	var total int
	a.table.ForEach(func(t *Task) {
		t.Lock()
		total += t.Ticks
		t.Unlock()
	})
	if a.gauge != nil {
		a.gauge.Reset()
	}
	a.table.ForEach(func(t *Task) {
		t.Lock()
		share := 0.0
		if total > 0 {
			share = float64(t.Ticks) / float64(total)
		}
		t.PrevTicks = t.Ticks
		t.Ticks = 0
		slot := int(t.Tid)
		state := t.State
		killable := t.Killable
		t.Unlock()

		if a.gauge != nil {
			a.gauge.WithLabelValues(stateNames[state]).Inc()
		}

		if killable && share > hogThreshold {
			a.hogStreak[slot]++
			if a.hogStreak[slot] >= hogSamples {
				t.Lock()
				t.Killed = true
				t.Unlock()
				a.log.Info("watchdog killing runaway task", "tid", slot, "share", share)
			}
		} else {
			a.hogStreak[slot] = 0
		}
	})
}
