// Package npcmaker provides a process-supervision and messaging framework
// for running simulated characters: environment programs that host a world,
// controller programs that think for one individual each, and an evolution
// service that breeds the population.
//
// # Architecture
//
// Three kinds of programs cooperate over line-oriented stdio protocols:
//
//	┌─────────────────────────────────────┐
//	│         Management (mgmt)           │  launches environments,
//	│   heartbeat watchdog, evolution     │  relays births and deaths
//	└─────────────────────────────────────┘
//	           ↓ JSON lines over stdio
//	┌─────────────────────────────────────┐
//	│        Environment (env)            │  control state machine,
//	│   command coalescing, registry      │  individual lifecycle
//	└─────────────────────────────────────┘
//	           ↓ tagged lines over stdio
//	┌─────────────────────────────────────┐
//	│        Controllers (ctrl)           │  one subprocess per
//	│   genome in, outputs on request     │  living individual
//	└─────────────────────────────────────┘
//
// Packages:
//
//   - frame: newline framing with length-prefixed binary payloads
//   - proc: subprocess spawning and liveness
//   - message: the management protocol vocabulary and codec
//   - envspec: environment specification files
//   - ctrl: controller driver and controller-side serve loop
//   - env: environment-side link, registry and argument contract
//   - evo: individuals, the evolution link and population manager
//   - mgmt: management-side environment supervision
//   - errors, config, metric, health: ambient infrastructure
//
// The protocols make no delivery guarantees across process crashes. A
// closed pipe, a read error and a process exit are all one event: the
// remote is dead.
package npcmaker
