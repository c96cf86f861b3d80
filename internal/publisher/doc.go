// Package publisher is the tick-driven publication scheduler.
//
// On every tick it evaluates each active channel's timing policy, draws a
// random content item from the channel's category, formats it and
// dispatches it, then records the outcome on the channel record. A forced
// single-shot mode backs the operator's "publish now" action.
package publisher
