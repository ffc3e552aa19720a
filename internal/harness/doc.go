// Package harness runs scripted request scenarios through the idempotency
// middleware and the demo booking API, and snapshots what each step saw.
//
// # Scenario Format
//
//	name: hold_replay
//	description: "An identical retry replays the stored response"
//	replay_status: ok        # optional; "original" by default
//	ids: [H1, H2]            # resource IDs handed out by the demo handlers
//	flow:
//	  - request:
//	      method: POST
//	      path: /holds
//	      tenant: T1
//	      key: hold-1        # optional Idempotency-Key
//	      body: { room_id: "101" }
//	    expect:
//	      status: 201
//	      replayed: false
//	      body: { hold_id: H1 }
//	  - advance: 31m         # move the clock before the step
//	    reap: true
//	    expect: { removed: 1 }
//	assertions:
//	  - type: resource_count
//	    resource: holds
//	    count: 1
//	  - type: record
//	    step: 1
//	    expect: { status: COMPLETED, response_status: 201 }
//
// # Assertion Types
//
//   - resource_count: number of holds, drafts or payments the handlers created
//   - record: fields of the stored record behind a step's idempotency key
//   - record_absent: the record behind a step's key no longer exists
//   - record_count: live records for a tenant
//
// # Deterministic Testing
//
// Scenarios run with a manual clock starting at StartTime, counting claim
// tokens and the scenario's fixed resource IDs, against a fresh SQLite
// database, so traces are identical across runs and can be compared with
// golden files.
package harness
