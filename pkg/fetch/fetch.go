package fetch

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/geoharvest/stacharvest/pkg/stac"
	"github.com/geoharvest/stacharvest/pkg/whttp"
)

const defaultConcurrency = 8

// Result is the unordered outcome of fetching one provider's item set:
// successfully parsed items plus one Failure per item that was dropped.
// A partial result is normal; the caller decides whether the yield is
// acceptable.
type Result struct {
	Items    []*stac.RawItem
	Failures []stac.Failure
}

// Fetcher retrieves item documents concurrently over a shared Client.
// Concurrency bounds the number of in-flight requests; retry and backoff
// for transient failures are handled inside the Client.
type Fetcher struct {
	Client      *whttp.Client
	Concurrency int
	Log         *logrus.Logger
}

// FetchAll fetches every ref using a bounded worker pool. One item's
// failure never aborts the batch; cancellation of ctx stops feeding new
// requests and lets in-flight ones abort.
func (f *Fetcher) FetchAll(ctx context.Context, refs []stac.ItemRef) Result {
	concurrency := f.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	refChan := make(chan stac.ItemRef)

	var mu sync.Mutex
	result := Result{}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ref := range refChan {
				item, fail := f.fetchOne(ctx, ref)
				mu.Lock()
				switch {
				case fail != nil:
					result.Failures = append(result.Failures, *fail)
				case item != nil:
					result.Items = append(result.Items, item)
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, ref := range refs {
		select {
		case <-ctx.Done():
			break feed
		case refChan <- ref:
		}
	}
	close(refChan)
	wg.Wait()

	return result
}

func (f *Fetcher) fetchOne(ctx context.Context, ref stac.ItemRef) (*stac.RawItem, *stac.Failure) {
	body, status, err := f.Client.GetJSON(ctx, ref.URL)
	if err != nil {
		// A cancelled run is reported once by the caller, not per item.
		if ctx.Err() != nil {
			return nil, nil
		}
		if f.Log != nil {
			f.Log.Debugf("fetch failed for %s: %v", ref.URL, err)
		}
		return nil, &stac.Failure{Item: ref.URL, Reason: stac.ReasonTransient, Detail: err.Error()}
	}

	switch {
	case status == http.StatusOK:
	case status == http.StatusNotFound || status == http.StatusGone:
		return nil, &stac.Failure{Item: ref.URL, Reason: stac.ReasonPermanent, Detail: fmt.Sprintf("status %d", status)}
	default:
		// Retries are already exhausted by the time a non-2xx lands here.
		return nil, &stac.Failure{Item: ref.URL, Reason: stac.ReasonTransient, Detail: fmt.Sprintf("status %d", status)}
	}

	item, err := stac.ParseItem(ref, body)
	if err != nil {
		if f.Log != nil {
			f.Log.Debugf("unparseable document at %s: %v", ref.URL, err)
		}
		return nil, &stac.Failure{Item: ref.URL, Reason: stac.ReasonParse, Detail: err.Error()}
	}
	return item, nil
}
