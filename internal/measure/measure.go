// Package measure reports how long the steps of a run take.
package measure

import (
	"log"
	"time"
)

// Step logs that status has started and returns a function which logs its
// outcome together with the elapsed time.
func Step(status string) (done func(outcome string)) {
	log.Printf("[%s]", status)
	start := time.Now()
	return func(outcome string) {
		log.Printf("[%s] %s in %.2fs", status, outcome, time.Since(start).Seconds())
	}
}
