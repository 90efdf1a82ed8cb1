package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"quillai/pkg/domain"
)

func rec(id string, page int, text string, vec ...float32) Record {
	return Record{Chunk: domain.Chunk{ID: id, Page: page, Text: text}, Vector: vec}
}

func TestMemoryIndexRanksByCosineWithinNamespace(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	if err := idx.Upsert(ctx, "f1", []Record{
		rec("p1", 1, "cats", 1, 0),
		rec("p2", 2, "dogs", 0, 1),
		rec("p3", 3, "both", 1, 1),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := idx.Upsert(ctx, "f2", []Record{rec("p1", 1, "other file", 1, 0)}); err != nil {
		t.Fatalf("upsert f2: %v", err)
	}

	got, err := idx.Query(ctx, "f1", []float32{1, 0.1}, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].Text != "cats" || got[1].Text != "both" {
		t.Fatalf("unexpected ranking: %+v", got)
	}
	for _, m := range got {
		if m.FileID != "f1" {
			t.Fatalf("match leaked from namespace %s", m.FileID)
		}
	}

	if err := idx.DeleteNamespace(ctx, "f1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if idx.Len("f1") != 0 || idx.Len("f2") != 1 {
		t.Fatalf("delete touched the wrong namespace")
	}
}

func TestMemoryIndexRejectsEmptyVectors(t *testing.T) {
	idx := NewMemoryIndex()
	if err := idx.Upsert(context.Background(), "f1", []Record{rec("p1", 1, "x")}); !errors.Is(err, ErrEmptyVector) {
		t.Fatalf("expected ErrEmptyVector, got %v", err)
	}
}

type fixedEmbedder struct {
	vec      []float32
	taskType string
}

func (f *fixedEmbedder) EmbedText(_ context.Context, _ string, taskType string) ([]float32, error) {
	f.taskType = taskType
	return f.vec, nil
}

func TestSearcherEmbedsQueryAndDefaultsTopK(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	var records []Record
	for i := 0; i < 6; i++ {
		records = append(records, rec(string(rune('a'+i)), i+1, "page", 1, float32(i)))
	}
	_ = idx.Upsert(ctx, "f1", records)

	emb := &fixedEmbedder{vec: []float32{1, 0}}
	got, err := Searcher{Embedder: emb, Index: idx}.Search(ctx, "f1", "question")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != DefaultTopK {
		t.Fatalf("len = %d, want %d", len(got), DefaultTopK)
	}
	if emb.taskType != "query" {
		t.Fatalf("task type = %q", emb.taskType)
	}
}

func TestPineconeUpsertQueryDelete(t *testing.T) {
	var upserted []pineconeVector
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Api-Key") != "pk" {
			t.Errorf("missing api key header")
		}
		var body map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		if string(body["namespace"]) != `"f1"` {
			t.Errorf("namespace = %s", body["namespace"])
		}
		switch r.URL.Path {
		case "/vectors/upsert":
			_ = json.Unmarshal(body["vectors"], &upserted)
			_, _ = w.Write([]byte(`{"upsertedCount":1}`))
		case "/query":
			_, _ = w.Write([]byte(`{"matches":[{"id":"p1","score":0.9,"metadata":{"text":"hello","pageNumber":3,"fileId":"f1","source":"pdf"}}]}`))
		case "/vectors/delete":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":5,"message":"Namespace not found"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	idx, err := NewPineconeIndex(srv.URL, "pk")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := idx.Upsert(ctx, "f1", []Record{rec("p1", 3, "hello", 0.1, 0.2)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(upserted) != 1 || upserted[0].Metadata["text"] != "hello" {
		t.Fatalf("upserted = %+v", upserted)
	}
	got, err := idx.Query(ctx, "f1", []float32{0.1, 0.2}, 4)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Text != "hello" || got[0].Page != 3 || got[0].Meta["source"] != "pdf" {
		t.Fatalf("matches = %+v", got)
	}
	if err := idx.DeleteNamespace(ctx, "f1"); err != nil {
		t.Fatalf("delete of unknown namespace should succeed: %v", err)
	}
}
