package institutions

import (
	"github.com/goliatone/go-multibank/core"
)

// DefaultCatalog resolves unknown codes to the flat accounts shape. The
// given institution codes are served by the Open Banking normalizer.
func DefaultCatalog(openBankingCodes ...string) (*core.NormalizerCatalog, error) {
	catalog := core.NewNormalizerCatalog(StandardNormalizer{})
	if err := catalog.Register(StandardNormalizer{}); err != nil {
		return nil, err
	}
	codes := append([]string{OpenBankingCode}, openBankingCodes...)
	if err := catalog.Register(OpenBankingNormalizer{}, codes...); err != nil {
		return nil, err
	}
	return catalog, nil
}
