package sweep

// Per-host status strings surfaced in the dashboard's progress view. The
// wording is load-bearing: operators filter on these values, so they stay
// byte-for-byte stable across releases.
const (
	// StatusNotStarted is the seeded state before any worker touches a host.
	StatusNotStarted = "Not started"

	// StatusNoLastReported marks a host the vendor has no check-in time for.
	StatusNoLastReported = "No last reported timestamp recorded."

	// StatusOutsideCheckIn marks a host whose last check-in is older than the
	// configured minimum.
	StatusOutsideCheckIn = "Host falls outside of minimum check in time."

	// StatusSessionFailed marks a host a live session could not be opened to.
	StatusSessionFailed = "Could not establish a CB session."

	// StatusCommandFailed marks a host the sweep command could not run on.
	StatusCommandFailed = "Could not run command on the host."

	// StatusCollectAfterRunFailed marks a host where the command ran but the
	// result file could not be retrieved.
	StatusCollectAfterRunFailed = "Command ran, but was unable to collect results."

	// StatusCollectFailed marks a host a requested file could not be
	// collected from.
	StatusCollectFailed = "Unable to collect file!"

	// StatusUploadFailed marks a host the input file could not be staged on.
	StatusUploadFailed = "Error uploading file to the system."

	// StatusResultsCollected is the terminal state for collect-style sweeps.
	StatusResultsCollected = "Results collected!"

	// StatusUploadedAndRan is the terminal state for upload-and-run sweeps.
	StatusUploadedAndRan = "Success. File uploaded and command executed."
)
