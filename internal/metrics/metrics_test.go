package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveFetch(t *testing.T) {
	okBefore := testutil.ToFloat64(fetchRequests.WithLabelValues("success"))
	errBefore := testutil.ToFloat64(fetchRequests.WithLabelValues("error"))

	ObserveFetch(nil, time.Now())
	ObserveFetch(errors.New("boom"), time.Now())

	if got := testutil.ToFloat64(fetchRequests.WithLabelValues("success")); got != okBefore+1 {
		t.Errorf("success = %v, want %v", got, okBefore+1)
	}
	if got := testutil.ToFloat64(fetchRequests.WithLabelValues("error")); got != errBefore+1 {
		t.Errorf("error = %v, want %v", got, errBefore+1)
	}
}

func TestGauges(t *testing.T) {
	SetHeights(12, 9)
	if got := testutil.ToFloat64(tipHeight); got != 12 {
		t.Errorf("tip = %v", got)
	}
	if got := testutil.ToFloat64(watermarkHeight); got != 9 {
		t.Errorf("indexed = %v", got)
	}
	SetInitialDownload(true)
	if testutil.ToFloat64(initialDownload) != 1 {
		t.Error("initial download gauge not set")
	}
	SetInitialDownload(false)
	if testutil.ToFloat64(initialDownload) != 0 {
		t.Error("initial download gauge not cleared")
	}
}
