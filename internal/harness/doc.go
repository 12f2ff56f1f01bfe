// Package harness runs end-to-end scenarios against the full check host
// stack with a virtual clock and a scripted cloud.
//
// A scenario seeds configuration, drives workstations, connectivity and
// replay through a list of steps, and then asserts on the final state. Each
// step records a trace event so runs can be compared against golden files.
//
// # Scenario Format
//
//	name: offline_lunch
//	description: "A check opened offline reaches the cloud in order"
//	workstations:
//	  - { id: ws-a, range_start: 1000, range_end: 1999 }
//	tax_rules:
//	  - { id: state, basis_points: 825 }
//	steps:
//	  - { op: cloud, up: false }
//	  - { op: heartbeat, times: 3 }
//	  - { op: open, ws: ws-a, check: lunch }
//	  - op: items
//	    ws: ws-a
//	    check: lunch
//	    items:
//	      - { menu_item_id: burger, name: Burger, quantity: 2, unit_price: 1250 }
//	  - { op: replay, expect: paused }
//	assertions:
//	  - { type: mode, mode: yellow }
//	  - { type: queue, check: lunch, actions: [check.opened, check.updated] }
//
// # Steps
//
//   - open, items, pay, close, void: check operations from ws on check
//   - lock, release, override: lock operations; override takes class
//   - peer: a LAN heartbeat from ws
//   - cloud, lan: set whether the cloud or the LAN peer answers probes
//   - heartbeat: run the connectivity heartbeat `times` times
//   - advance: move the virtual clock forward by `by`
//   - replay: run one replay round; the cloud answers with `verdict`
//   - resolve: apply `decision` to the open conflict on check
//
// Every step expects "ok" unless it names another outcome in expect, such
// as lock_conflict_hard, lock_not_held, conflict_pending or paused.
//
// # Assertions
//
//   - check: subset match on the check's JSON fields
//   - mode: the connectivity mode
//   - queue: undelivered actions for one check, in delivery order
//   - queue_stats: subset match on the queue counters
//   - conflicts: the number of conflicts, optionally by status
//   - delivered: every action the cloud accepted, in order, as "<action> <check>"
package harness
