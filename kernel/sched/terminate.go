package sched

import "lily/kernel/ioa"

// terminate removes au from the automaton registry and drops any of its
// cactions still sitting on the ready queue. ioa.Destroy removes every
// binding au took part in from both sides, so surviving peers keep none
// that name au.
func terminate(au *ioa.Automaton) {
	ioa.Destroy(au.ID)

	scheduler.lock.Acquire()
	defer scheduler.lock.Release()

	filtered := scheduler.ready[:0]
	for _, ca := range scheduler.ready {
		if ca.Automaton == au {
			delete(scheduler.pending, ca)
			continue
		}
		filtered = append(filtered, ca)
	}
	scheduler.ready = filtered

	if scheduler.current == au {
		scheduler.current = nil
	}
}
