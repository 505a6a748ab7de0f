// Package automation provides the rule engine for homecore.
//
// An automation is a user rule: when one of its triggers fires and all of
// its conditions hold, its actions run in order through the service
// dispatcher.
//
// Architecture:
//
//	┌───────────────────────────────────────────────────────┐
//	│                  Engine (engine.go)                    │
//	│  ┌──────────────┐    ┌──────────────┐                │
//	│  │   snapshot   │◀───│  Repository  │  Reload()      │
//	│  │ trigger index│    │(repository.go)│               │
//	│  └──────────────┘    └──────────────┘                │
//	│        │                                              │
//	│        ▼                                              │
//	│  ┌──────────────────────────────────────────────┐    │
//	│  │  Per event (bus subscriber goroutine)         │    │
//	│  │  1. Look up candidates in the trigger index   │    │
//	│  │  2. Match triggers (once per automation)      │    │
//	│  │  3. Evaluate conditions (short-circuit)       │    │
//	│  │  4. Hand the run to a bounded worker          │    │
//	│  └──────────────────────────────────────────────┘    │
//	│        │                                              │
//	│        ▼                                              │
//	│  ┌──────────────────────────────────────────────┐    │
//	│  │  Run (worker goroutine)                       │    │
//	│  │  1. Resolve param templates                   │    │
//	│  │  2. Invoke each action via the dispatcher     │    │
//	│  │  3. Stop on a blocking hard failure           │    │
//	│  │  4. Record last_triggered, publish event      │    │
//	│  └──────────────────────────────────────────────┘    │
//	└───────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Automation: a rule with triggers, conditions and actions
//   - Trigger: a tagged state or event trigger
//   - Condition: an entity field comparison
//   - Action: one service call
//   - Engine: evaluates rules against bus events
//
// # Templates
//
// String params may reference the triggering event and the state store:
//
//	${payload.new_state.state}       value from the trigger event's data
//	${state:sensor.temp}             current main value of an entity
//	${state:light.hall:brightness}   current attribute of an entity
//	${state:sensor.temp|20}          fallback when unresolved
//
// A param that is exactly one template keeps the referenced value's type.
// Templates embedded in longer strings are substituted as text.
package automation
