package errors

import (
	"github.com/pingcap/errors"
)

// all errors in the tributary engine are defined here, so that error codes
// stay stable across releases.
var (
	// job submission errors
	ErrBuildJobFailed = errors.Normalize(
		"build job failed", errors.RFCCodeText("DFLOW:ErrBuildJobFailed"))
	ErrJobGraphEmpty = errors.Normalize(
		"the execution graph for job %s contains no vertices", errors.RFCCodeText("DFLOW:ErrJobGraphEmpty"))
	ErrPartialResourceConfigured = errors.Normalize(
		"job %s declares resource requirements for only a subset of its vertices", errors.RFCCodeText("DFLOW:ErrPartialResourceConfigured"))
	ErrIncompatibleSchedulerMode = errors.Normalize(
		"scheduler execution mode %s requires the adaptive scheduler, got %s", errors.RFCCodeText("DFLOW:ErrIncompatibleSchedulerMode"))
	ErrJobAlreadyExists = errors.Normalize(
		"job %s has already been submitted", errors.RFCCodeText("DFLOW:ErrJobAlreadyExists"))
	ErrJobAlreadyTerminated = errors.Normalize(
		"job %s has already reached a globally terminal state", errors.RFCCodeText("DFLOW:ErrJobAlreadyTerminated"))
	ErrUnknownJob = errors.Normalize(
		"job %s is not managed by this master", errors.RFCCodeText("DFLOW:ErrUnknownJob"))

	// pipeline translation errors
	ErrPipelineTranslate = errors.Normalize(
		"translate pipeline failed: %s", errors.RFCCodeText("DFLOW:ErrPipelineTranslate"))
	ErrPipelineVariantMismatch = errors.Normalize(
		"pipeline variant %s does not match the configured execution mode %s", errors.RFCCodeText("DFLOW:ErrPipelineVariantMismatch"))
	ErrInvalidClasspath = errors.Normalize(
		"invalid classpath entry %s", errors.RFCCodeText("DFLOW:ErrInvalidClasspath"))
	ErrInvalidJobID = errors.Normalize(
		"invalid job id %s, expect a 32-character hex string", errors.RFCCodeText("DFLOW:ErrInvalidJobID"))

	// user code bundle errors
	ErrBundleResolve = errors.Normalize(
		"resolve user code bundle failed", errors.RFCCodeText("DFLOW:ErrBundleResolve"))
	ErrLeaseReleased = errors.Normalize(
		"the bundle lease for job %s has been released", errors.RFCCodeText("DFLOW:ErrLeaseReleased"))

	// leader election errors
	ErrEtcdCreateSessionFail = errors.Normalize(
		"create etcd session failed", errors.RFCCodeText("DFLOW:ErrEtcdCreateSessionFail"))
	ErrElectionCampaignFail = errors.Normalize(
		"campaign for job leadership failed", errors.RFCCodeText("DFLOW:ErrElectionCampaignFail"))
	ErrEtcdEpochFail = errors.Normalize(
		"generate epoch from etcd failed", errors.RFCCodeText("DFLOW:ErrEtcdEpochFail"))
	ErrElectionAlreadyStarted = errors.Normalize(
		"the election handle for job %s has already been started", errors.RFCCodeText("DFLOW:ErrElectionAlreadyStarted"))

	// job result store errors
	ErrResultStoreOp = errors.Normalize(
		"job result store operation failed", errors.RFCCodeText("DFLOW:ErrResultStoreOp"))
	ErrResultNotFound = errors.Normalize(
		"no result entry for job %s", errors.RFCCodeText("DFLOW:ErrResultNotFound"))

	// metastore errors
	ErrDecodeEtcdKeyFail = errors.Normalize(
		"failed to decode etcd key: %s", errors.RFCCodeText("DFLOW:ErrDecodeEtcdKeyFail"))

	// server master configuration errors
	ErrConfigDecodeFile = errors.Normalize(
		"decode config file failed", errors.RFCCodeText("DFLOW:ErrConfigDecodeFile"))
	ErrConfigUnknownItem = errors.Normalize(
		"unknown config items: %s", errors.RFCCodeText("DFLOW:ErrConfigUnknownItem"))
	ErrConfigInvalid = errors.Normalize(
		"invalid config: %s", errors.RFCCodeText("DFLOW:ErrConfigInvalid"))

	// runner lifecycle errors
	ErrRunnerClosed = errors.Normalize(
		"the leadership runner for job %s is closed", errors.RFCCodeText("DFLOW:ErrRunnerClosed"))
	ErrJobNotFinished = errors.Normalize(
		"job %s was stopped before reaching a terminal state", errors.RFCCodeText("DFLOW:ErrJobNotFinished"))
	ErrJobManagerClosed = errors.Normalize(
		"the job manager is shutting down", errors.RFCCodeText("DFLOW:ErrJobManagerClosed"))
)

// Wrap generates a new error based on the given *errors.Error, wraps the err
// as cause error. If err is nil, returns nil.
func Wrap(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}
