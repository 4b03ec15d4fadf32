package observability

import "go.opentelemetry.io/otel/attribute"

// Gateway semantic convention attributes.
var (
	AttrVerb       = attribute.Key("agp.verb")
	AttrBusinessID = attribute.Key("agp.business_id")
	AttrOwnerKey   = attribute.Key("agp.owner_key")

	AttrPlatform      = attribute.Key("adapter.platform")
	AttrAdapterStatus = attribute.Key("adapter.status")

	AttrJobID     = attribute.Key("job.id")
	AttrJobStatus = attribute.Key("job.status")

	AttrVaultService = attribute.Key("vault.service")
	AttrAuthMethod   = attribute.Key("auth.method")

	AttrHTTPRoute  = attribute.Key("http.route")
	AttrHTTPMethod = attribute.Key("http.request.method")
	AttrHTTPStatus = attribute.Key("http.response.status_code")
)
