// Package monitor renders tracking runs for people: PNG trajectory plots
// written after a run (gonum/plot), HTML charts of depth frames and stored
// runs (go-echarts), and a small HTTP server over the run store.
package monitor
