package domain

import (
	"errors"
	"fmt"
	"strings"
)

type JobKind string

const JobKindScan JobKind = "scan"

var ErrInvalidJob = errors.New("invalid job")

// InterestRef is one (keyword, Domain) pair registered against a page.
type InterestRef struct {
	Keyword  string `json:"keyword"`
	DomainID string `json:"domainId"`
}

type ScanJob struct {
	Kind      JobKind       `json:"kind"`
	URL       string        `json:"url"`
	Interests []InterestRef `json:"interests"`
}

func NewScanJob(pageURL string, interests []InterestRef) ScanJob {
	return ScanJob{
		Kind:      JobKindScan,
		URL:       strings.TrimSpace(pageURL),
		Interests: interests,
	}
}

func (j ScanJob) Validate() error {
	if j.Kind != JobKindScan {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}

	if strings.TrimSpace(j.URL) == "" {
		return fmt.Errorf("%w: URL is empty", ErrInvalidJob)
	}

	if SourceTag(j.URL) == "" {
		return fmt.Errorf("%w: URL %q has no host", ErrInvalidJob, j.URL)
	}

	if len(j.Interests) == 0 {
		return fmt.Errorf("%w: no interests for %s", ErrInvalidJob, j.URL)
	}

	for _, ref := range j.Interests {
		if ref.Keyword == "" || ref.DomainID == "" {
			return fmt.Errorf("%w: incomplete interest %+v", ErrInvalidJob, ref)
		}
	}

	return nil
}
