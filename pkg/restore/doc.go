// Package restore implements phased EC2 instance restore workflows driven by
// AMI snapshots: in-place volume swaps and full instance replacement.
//
// A restore run moves through capture, selection, execution, and reporting.
// Every mutating step registers a compensating action with the run's
// RollbackManager before the next step begins, so a failure at any point can
// unwind the completed steps in reverse order. Instance termination is the
// irreversibility boundary: once the original instance is terminated the run
// continues forward-only and rollback degrades to best-effort cleanup.
//
// The engines consume cloud state through the CloudResourceClient capability
// surface; the production implementation lives in pkg/cloud/awsec2.
package restore
