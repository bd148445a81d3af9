// Package engine executes compiled plans. An Executor walks a plan depth-first
// against a Context, invoking the fixture functions bound to each cell,
// grading results and tallying counts. Faults raised by fixture code are
// recovered and recorded as results; they never escape Execute.
package engine
