// Package archive holds the record of what ran: runs and their components,
// execution logs, the ExecRecords those executions produced and the datasets
// flowing between them.
//
// Components are a tagged union over Kind. Runs nest through sub-pipeline
// steps, with the nested run pointing back at its step so that failure and
// quarantine propagate upward. Validator enforces the invariants that must
// hold after every mutation.
package archive
