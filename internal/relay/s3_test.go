package relay

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"zajel-go/internal/routing"
)

// fakeS3 implements the handful of S3 calls S3Archive makes.
type fakeS3 struct {
	bucket string

	mu      sync.Mutex
	objects map[string][]byte
	deny    bool
}

type listResult struct {
	XMLName  xml.Name `xml:"ListBucketResult"`
	Name     string   `xml:"Name"`
	Prefix   string   `xml:"Prefix"`
	KeyCount int      `xml:"KeyCount"`
	Contents []struct {
		Key  string `xml:"Key"`
		Size int    `xml:"Size"`
	} `xml:"Contents"`
	IsTruncated bool `xml:"IsTruncated"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deny {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `<?xml version="1.0"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/"+f.bucket)
	key := strings.TrimPrefix(path, "/")

	switch {
	case r.Method == http.MethodHead && key == "":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = data
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && key == "" && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		res := listResult{Name: f.bucket, Prefix: prefix}
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, struct {
				Key  string `xml:"Key"`
				Size int    `xml:"Size"`
			}{Key: k, Size: len(f.objects[k])})
		}
		res.KeyCount = len(keys)
		w.Header().Set("Content-Type", "application/xml")
		xml.NewEncoder(w).Encode(res)
	case r.Method == http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Write(data)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newTestS3Archive(t *testing.T) (*S3Archive, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "relay", objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                credentials.NewStaticCredentialsProvider("key", "secret", ""),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	opts := S3Options{Bucket: "relay", Prefix: "/zajel/"}
	return newS3Archive("s3://relay/zajel", opts, client), fake
}

func TestS3Archive(t *testing.T) {
	ctx := context.Background()
	a, fake := newTestS3Archive(t)

	if err := a.ValidateSetup(ctx); err != nil {
		t.Fatalf("ValidateSetup() error = %v", err)
	}

	got, err := a.Get(ctx, "h1", "ch_a_000")
	if err != nil || got != nil {
		t.Fatalf("Get() missing = %q, %v; want nil, nil", got, err)
	}

	if err := a.Put(ctx, "h1", "ch_a_000", []byte(`{"n":0}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := a.Put(ctx, "h1", "ch_a_001", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, ok := fake.objects["zajel/h1/ch_a_000.json"]; !ok {
		t.Errorf("object key layout wrong: %v", fake.objects)
	}

	got, err = a.Get(ctx, "h1", "ch_a_001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `{"n":1}` {
		t.Errorf("Get() = %q", got)
	}

	ids, err := a.List(ctx, "h1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if strings.Join(ids, ",") != "ch_a_000,ch_a_001" {
		t.Errorf("List() = %v", ids)
	}

	fake.mu.Lock()
	fake.deny = true
	fake.mu.Unlock()
	_, err = a.List(ctx, "h1")
	if Classify(err) != routing.FetchBlocked {
		t.Errorf("Classify(403) = %v, want blocked (err = %v)", Classify(err), err)
	}
}
