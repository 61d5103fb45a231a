package ask_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"clinrag/backend/features/ask"
	"clinrag/backend/internal/adapter/gemini"
	"clinrag/backend/internal/adapter/weaviate"
	"clinrag/backend/internal/answer"
	"clinrag/backend/internal/retrieval"
)

type MockRetriever struct {
	mock.Mock
}

func (m *MockRetriever) Retrieve(ctx context.Context, query string, opts *retrieval.Options) (retrieval.Result, error) {
	args := m.Called(ctx, query, opts)
	return args.Get(0).(retrieval.Result), args.Error(1)
}

type MockAnswerer struct {
	mock.Mock
}

func (m *MockAnswerer) Answer(ctx context.Context, question string, result retrieval.Result) (answer.Answer, error) {
	args := m.Called(ctx, question, result)
	return args.Get(0).(answer.Answer), args.Error(1)
}

func doRequest(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/search", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestHandler_Search(t *testing.T) {
	mockRet := new(MockRetriever)
	handler := ask.NewHandler(mockRet, new(MockAnswerer))

	mockRet.On("Retrieve", mock.Anything, "tamoxifen duration", mock.Anything).Return(retrieval.Result{
		Items: []retrieval.Hit{
			{ChunkID: "c1", Content: "Five years of tamoxifen.", Score: 0.91, SourceID: "src-1"},
		},
		TotalChars: 24,
	}, nil)

	w := doRequest(handler.Search, `{"query": "tamoxifen duration"}`)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)

	var resp struct {
		Data []retrieval.Hit `json:"data"`
		Meta map[string]int  `json:"meta"`
	}
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Len(t, resp.Data, 1)
	assert.Equal(t, 1, resp.Meta["count"])
}

func TestHandler_Search_EmptyResultIsOK(t *testing.T) {
	mockRet := new(MockRetriever)
	handler := ask.NewHandler(mockRet, new(MockAnswerer))

	mockRet.On("Retrieve", mock.Anything, "unrelated question", mock.Anything).Return(retrieval.Result{}, nil)

	w := doRequest(handler.Search, `{"query": "unrelated question"}`)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)

	var resp struct {
		Data []retrieval.Hit `json:"data"`
	}
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotNil(t, resp.Data)
	assert.Empty(t, resp.Data)
}

func TestHandler_Search_MissingQuery(t *testing.T) {
	handler := ask.NewHandler(new(MockRetriever), new(MockAnswerer))

	w := doRequest(handler.Search, `{}`)

	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
}

func TestHandler_Search_EmbeddingOutage(t *testing.T) {
	mockRet := new(MockRetriever)
	handler := ask.NewHandler(mockRet, new(MockAnswerer))

	mockRet.On("Retrieve", mock.Anything, "q", mock.Anything).
		Return(retrieval.Result{}, fmt.Errorf("embed query: %w", gemini.ErrEmbeddingService))

	w := doRequest(handler.Search, `{"query": "q"}`)

	assert.Equal(t, http.StatusBadGateway, w.Result().StatusCode)
	var resp struct {
		Error map[string]string `json:"error"`
	}
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "EMBEDDING_UNAVAILABLE", resp.Error["code"])
}

func TestHandler_Search_IndexOutage(t *testing.T) {
	mockRet := new(MockRetriever)
	handler := ask.NewHandler(mockRet, new(MockAnswerer))

	mockRet.On("Retrieve", mock.Anything, "q", mock.Anything).
		Return(retrieval.Result{}, fmt.Errorf("search: %w", weaviate.ErrIndexStore))

	w := doRequest(handler.Search, `{"query": "q"}`)

	assert.Equal(t, http.StatusBadGateway, w.Result().StatusCode)
	var resp struct {
		Error map[string]string `json:"error"`
	}
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "INDEX_UNAVAILABLE", resp.Error["code"])
}

func TestHandler_Ask(t *testing.T) {
	mockRet := new(MockRetriever)
	mockAns := new(MockAnswerer)
	handler := ask.NewHandler(mockRet, mockAns)

	result := retrieval.Result{
		Items: []retrieval.Hit{{ChunkID: "c1", Content: "Five years of tamoxifen.", SourceID: "src-1", Version: 1}},
	}
	mockRet.On("Retrieve", mock.Anything, "how long tamoxifen", mock.Anything).Return(result, nil)
	mockAns.On("Answer", mock.Anything, "how long tamoxifen", result).Return(answer.Answer{
		Text:      "Five years of adjuvant tamoxifen is recommended [S1].",
		Citations: []retrieval.Citation{{Marker: "S1", SourceID: "src-1", Version: 1}},
	}, nil)

	w := doRequest(handler.Ask, `{"query": "how long tamoxifen"}`)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)

	var resp struct {
		Data struct {
			Answer              string               `json:"answer"`
			Citations           []retrieval.Citation `json:"citations"`
			InsufficientContext bool                 `json:"insufficient_context"`
		} `json:"data"`
	}
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Contains(t, resp.Data.Answer, "[S1]")
	assert.Len(t, resp.Data.Citations, 1)
	assert.False(t, resp.Data.InsufficientContext)
}

func TestHandler_Ask_InsufficientContext(t *testing.T) {
	mockRet := new(MockRetriever)
	mockAns := new(MockAnswerer)
	handler := ask.NewHandler(mockRet, mockAns)

	mockRet.On("Retrieve", mock.Anything, "q", mock.Anything).Return(retrieval.Result{}, nil)
	mockAns.On("Answer", mock.Anything, "q", retrieval.Result{}).Return(answer.Answer{
		Text: answer.InsufficientContextAnswer,
	}, nil)

	w := doRequest(handler.Ask, `{"query": "q"}`)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)

	var resp struct {
		Data struct {
			InsufficientContext bool `json:"insufficient_context"`
		} `json:"data"`
	}
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Data.InsufficientContext)
}

func TestHandler_Ask_GroundingViolation(t *testing.T) {
	mockRet := new(MockRetriever)
	mockAns := new(MockAnswerer)
	handler := ask.NewHandler(mockRet, mockAns)

	result := retrieval.Result{Items: []retrieval.Hit{{ChunkID: "c1", Content: "text"}}}
	mockRet.On("Retrieve", mock.Anything, "q", mock.Anything).Return(result, nil)
	mockAns.On("Answer", mock.Anything, "q", result).Return(answer.Answer{},
		&answer.GroundingViolation{Answer: "unsupported claim [S9]", InvalidMarkers: []string{"S9"}})

	w := doRequest(handler.Ask, `{"query": "q"}`)

	assert.Equal(t, http.StatusBadGateway, w.Result().StatusCode)
	var resp struct {
		Error map[string]string `json:"error"`
	}
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "UNGROUNDED_ANSWER", resp.Error["code"])
}

func TestHandler_Ask_GenerationOutage(t *testing.T) {
	mockRet := new(MockRetriever)
	mockAns := new(MockAnswerer)
	handler := ask.NewHandler(mockRet, mockAns)

	result := retrieval.Result{Items: []retrieval.Hit{{ChunkID: "c1", Content: "text"}}}
	mockRet.On("Retrieve", mock.Anything, "q", mock.Anything).Return(result, nil)
	mockAns.On("Answer", mock.Anything, "q", result).Return(answer.Answer{},
		fmt.Errorf("generate: %w", gemini.ErrGenerationService))

	w := doRequest(handler.Ask, `{"query": "q"}`)

	assert.Equal(t, http.StatusBadGateway, w.Result().StatusCode)
	var resp struct {
		Error map[string]string `json:"error"`
	}
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "GENERATION_UNAVAILABLE", resp.Error["code"])
}

func TestHandler_Ask_RetrieverOptionsPassedThrough(t *testing.T) {
	mockRet := new(MockRetriever)
	mockAns := new(MockAnswerer)
	handler := ask.NewHandler(mockRet, mockAns)

	mockRet.On("Retrieve", mock.Anything, "q", mock.MatchedBy(func(opts *retrieval.Options) bool {
		return opts.TopK != nil && *opts.TopK == 5 &&
			opts.Filters != nil && len(opts.Filters.SourceIDs) == 1
	})).Return(retrieval.Result{}, nil)
	mockAns.On("Answer", mock.Anything, "q", retrieval.Result{}).Return(answer.Answer{
		Text: answer.InsufficientContextAnswer,
	}, nil)

	w := doRequest(handler.Ask, `{"query": "q", "top_k": 5, "filters": {"source_ids": ["src-1"]}}`)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
	mockRet.AssertExpectations(t)
}
