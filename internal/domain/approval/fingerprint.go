package approval

import (
	"encoding/json"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/gowebpki/jcs"

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

type fingerprintInput struct {
	CredentialID  string         `json:"credential_id"`
	ApplicationID string         `json:"application_id"`
	Operation     string         `json:"operation"`
	Parameters    map[string]any `json:"parameters"`
}

// Fingerprint identifies what was approved: the credential, the application,
// the operation and its parameters. Source IP and timestamp are excluded so a
// caller can retry from elsewhere or later.
func Fingerprint(req policy.OperationRequest) string {
	data, err := json.Marshal(fingerprintInput{
		CredentialID:  req.CredentialID,
		ApplicationID: req.ApplicationID,
		Operation:     req.Operation,
		Parameters:    req.Parameters,
	})
	if err != nil {
		// Parameters that cannot be encoded never match any fingerprint.
		return ""
	}
	if canonical, err := jcs.Transform(data); err == nil {
		data = canonical
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}
