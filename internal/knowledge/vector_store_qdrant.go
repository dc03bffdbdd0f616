package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// QdrantOptions Qdrant客户端配置
type QdrantOptions struct {
	Endpoint   string
	APIKey     string
	Collection string
	VectorSize int
	UseTLS     bool
	Timeout    time.Duration
}

// QdrantVectorStore 通过 REST 接口访问 Qdrant
type QdrantVectorStore struct {
	client     *http.Client
	endpoint   string
	apiKey     string
	collection string
	vectorSize int
}

// NewQdrantVectorStore 创建Qdrant向量存储
func NewQdrantVectorStore(opts QdrantOptions) *QdrantVectorStore {
	scheme := "http"
	if opts.UseTLS {
		scheme = "https"
	}
	if opts.Endpoint == "" {
		opts.Endpoint = fmt.Sprintf("%s://localhost:6333", scheme)
	}
	if !strings.HasPrefix(opts.Endpoint, "http") {
		opts.Endpoint = fmt.Sprintf("%s://%s", scheme, opts.Endpoint)
	}
	if opts.Collection == "" {
		opts.Collection = "documents"
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &QdrantVectorStore{
		client:     &http.Client{Timeout: timeout},
		endpoint:   strings.TrimSuffix(opts.Endpoint, "/"),
		apiKey:     opts.APIKey,
		collection: opts.Collection,
		vectorSize: opts.VectorSize,
	}
}

func qdrantDistance(d Distance) string {
	switch d {
	case DistanceDot:
		return "Dot"
	case DistanceEuclid:
		return "Euclid"
	default:
		return "Cosine"
	}
}

func (s *QdrantVectorStore) Collection() string {
	return s.collection
}

func (s *QdrantVectorStore) EnsureCollection(ctx context.Context, name string, vectorSize int, distance Distance) error {
	resp, err := s.doRequest(ctx, http.MethodGet, fmt.Sprintf("/collections/%s", name), nil)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode != http.StatusNotFound:
		return fmt.Errorf("qdrant get collection %s failed: %s", name, resp.Status)
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     vectorSize,
			"distance": qdrantDistance(distance),
		},
	}
	if err := s.call(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", name), body, nil); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	if name == s.collection && s.vectorSize == 0 {
		s.vectorSize = vectorSize
	}
	return nil
}

func (s *QdrantVectorStore) Upsert(ctx context.Context, points []Point) ([]string, error) {
	batch := make([]Point, len(points))
	copy(batch, points)
	ids, err := assignPointIDs(batch, s.vectorSize)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return ids, nil
	}

	items := make([]map[string]interface{}, 0, len(batch))
	for _, p := range batch {
		items = append(items, map[string]interface{}{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": p.Payload,
		})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", s.collection)
	if err := s.call(ctx, http.MethodPut, path, map[string]interface{}{"points": items}, nil); err != nil {
		return nil, fmt.Errorf("qdrant upsert: %w", err)
	}
	return ids, nil
}

func (s *QdrantVectorStore) Search(ctx context.Context, vector []float32, k int) ([]SearchResult, error) {
	if len(vector) == 0 || k <= 0 {
		return nil, nil
	}

	body := map[string]interface{}{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
		"with_vector":  false,
	}

	var searchResp struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", s.collection)
	if err := s.call(ctx, http.MethodPost, path, body, &searchResp); err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	results := make([]SearchResult, 0, len(searchResp.Result))
	for _, item := range searchResp.Result {
		if item.Payload == nil {
			continue
		}
		result := NewSearchResult(item.Payload, item.Score)
		result.ID = fmt.Sprint(item.ID)
		results = append(results, result)
	}
	sortResultsByScore(results)
	return results, nil
}

func (s *QdrantVectorStore) ScrollAll(ctx context.Context, batchSize int) *PointIterator {
	return NewPointIterator(ctx, batchSize, func(ctx context.Context, cursor interface{}, limit int) ([]Point, interface{}, error) {
		body := map[string]interface{}{
			"limit":        limit,
			"with_payload": true,
			"with_vector":  true,
		}
		if cursor != nil {
			body["offset"] = cursor
		}

		var scrollResp struct {
			Result struct {
				Points []struct {
					ID      interface{}            `json:"id"`
					Vector  []float32              `json:"vector"`
					Payload map[string]interface{} `json:"payload"`
				} `json:"points"`
				NextPageOffset interface{} `json:"next_page_offset"`
			} `json:"result"`
		}
		path := fmt.Sprintf("/collections/%s/points/scroll", s.collection)
		if err := s.call(ctx, http.MethodPost, path, body, &scrollResp); err != nil {
			return nil, nil, fmt.Errorf("qdrant scroll: %w", err)
		}

		page := make([]Point, 0, len(scrollResp.Result.Points))
		for _, item := range scrollResp.Result.Points {
			page = append(page, Point{ID: fmt.Sprint(item.ID), Vector: item.Vector, Payload: item.Payload})
		}
		return page, scrollResp.Result.NextPageOffset, nil
	})
}

func (s *QdrantVectorStore) DeleteByFileID(ctx context.Context, fileID string, keep ...string) error {
	filter := map[string]interface{}{
		"must": []map[string]interface{}{
			{
				"key":   PayloadMetadata + "." + MetaFileID,
				"match": map[string]interface{}{"value": fileID},
			},
		},
	}
	if len(keep) > 0 {
		filter["must_not"] = []map[string]interface{}{{"has_id": keep}}
	}
	body := map[string]interface{}{"filter": filter}

	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", s.collection)
	if err := s.call(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("qdrant delete: %w", err)
	}
	return nil
}

func (s *QdrantVectorStore) Ready() bool {
	return s.client != nil
}

func (s *QdrantVectorStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// call 发送请求并在 out 非空时解码响应
func (s *QdrantVectorStore) call(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := s.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s", resp.Status, string(raw))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *QdrantVectorStore) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	return s.client.Do(req)
}
