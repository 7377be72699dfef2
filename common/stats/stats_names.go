package stats

// Stat names shared across the fleet packages.
const (
	/*****************************************************************
	fleet manager
	*****************************************************************/
	FleetRunsSubmittedCounter  = "runsSubmitted"
	FleetRunsSucceededCounter  = "runsSucceeded"
	FleetRunsFailedCounter     = "runsFailed"
	FleetRunsCancelledCounter  = "runsCancelled"
	FleetRunsQuarantinedGauge  = "runsQuarantined"
	FleetInFlightTasksGauge    = "inFlightTasks"
	FleetActiveRunsGauge       = "activeRuns"
	FleetTickLatency_ms        = "tickLatency_ms"
	FleetRecoveriesCounter     = "recoveries"
	FleetValidationErrsCounter = "validationErrors"

	/*****************************************************************
	reuse engine
	*****************************************************************/
	ReuseDecisionCounter   = "decisions"  // scoped by decision name
	ReuseCandidatesCounter = "candidates" // ExecRecords considered
	ReuseSkippedInFlight   = "skippedInFlight"

	/*****************************************************************
	slurm client
	*****************************************************************/
	SlurmSubmitCounter        = "submits"
	SlurmSubmitFailureCounter = "submitFailures"
	SlurmCancelCounter        = "cancels"
	SlurmCLIRetryCounter      = "cliRetries"
	SlurmCLILatency_ms        = "cliLatency_ms" // scoped by program
	SlurmAccountingQueries    = "accountingQueries"

	/*****************************************************************
	archive
	*****************************************************************/
	ArchiveQuarantineCounter      = "quarantines"
	ArchiveDecontaminationCounter = "decontaminations"
	ArchiveIntegrityFailures      = "integrityFailures"
)
