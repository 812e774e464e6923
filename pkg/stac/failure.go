package stac

// Reason is the failure taxonomy shared by all pipeline stages. Item-level
// reasons degrade the output set; provider-level outcomes are reported as
// errors on the run itself, not as Failures.
type Reason string

const (
	ReasonDiscovery Reason = "discovery-error" // catalog branch unreachable, run continues
	ReasonTransient Reason = "fetch-transient" // network failure after retries were exhausted
	ReasonPermanent Reason = "fetch-permanent" // document permanently missing, not retried
	ReasonParse     Reason = "parse-error"     // document retrieved but not parseable
	ReasonHarmonize Reason = "harmonize-error" // parsed but not normalizable (e.g. no geometry)
	ReasonWrite     Reason = "write-error"     // output destination unwritable
)

// Failure records one dropped item (or skipped catalog branch) for the
// per-run failure report.
type Failure struct {
	Item   string // item or branch URL; item id where known
	Reason Reason
	Detail string
}
