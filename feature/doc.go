// Package feature is the core of the rollout engine: the flag data model, the
// bucketing function, the evaluator, and the store contract that persistence
// backends implement.
//
// Evaluation is a pure function of a flag definition and a subject id. The
// same subject always lands in the same bucket for a given flag, so raising a
// flag's rollout percentage only ever adds subjects to the enabled side.
package feature
