package taskname

const (
	// Anomaly scan tasks
	AnomalyScanStaleListings   = "anomaly:scan:stale_listings"
	AnomalyScanUnusualRemovals = "anomaly:scan:unusual_removals"

	// Escrow tasks
	EscrowProjectionAudit = "escrow:projection:audit"

	// Webhook tasks
	WebhookRetryUnprocessed = "webhook:retry:unprocessed"
)
