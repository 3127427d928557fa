//go:build onnx

// Package onnx embeds text locally with an ONNX sentence-transformer model
// (all-MiniLM-L6-v2 by default): WordPiece tokenization, a transformer
// forward pass, mean pooling over the attention mask, L2 normalization.
// Built only with the "onnx" tag because it needs the onnxruntime shared
// library on the host.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

// Config configures the local embedder.
type Config struct {
	// ModelPath locates the ONNX model file.
	ModelPath string
	// TokenizerPath locates the HuggingFace tokenizer.json.
	TokenizerPath string
	// Dimensions is the output vector size; defaults to 384.
	Dimensions int
	// LibraryPath overrides the onnxruntime shared library location;
	// defaults to $RECALL_ONNX_LIB.
	LibraryPath string
	// MaxTokens caps the input sequence; defaults to 256.
	MaxTokens int
}

// Embedder runs the model through onnxruntime.
type Embedder struct {
	session *ort.DynamicAdvancedSession
	vocab   map[string]int64
	cls     int64
	sep     int64
	unk     int64
	dims    int
	maxTok  int
}

// New loads the tokenizer and model and initializes the runtime.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" || cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("onnx embedder: ModelPath and TokenizerPath are required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 256
	}
	if cfg.LibraryPath == "" {
		cfg.LibraryPath = os.Getenv("RECALL_ONNX_LIB")
	}
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	vocab, err := loadVocab(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	e := &Embedder{
		session: session,
		vocab:   vocab,
		dims:    cfg.Dimensions,
		maxTok:  cfg.MaxTokens,
	}
	var ok bool
	if e.cls, ok = vocab["[CLS]"]; !ok {
		return nil, fmt.Errorf("tokenizer vocab missing [CLS]")
	}
	if e.sep, ok = vocab["[SEP]"]; !ok {
		return nil, fmt.Errorf("tokenizer vocab missing [SEP]")
	}
	if e.unk, ok = vocab["[UNK]"]; !ok {
		return nil, fmt.Errorf("tokenizer vocab missing [UNK]")
	}
	return e, nil
}

// Embed tokenizes, runs the model and mean-pools into a unit vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := e.tokenize(text)
	n := int64(len(ids))

	mask := make([]int64, n)
	types := make([]int64, n)
	for i := range mask {
		mask[i] = 1
	}

	shape := ort.NewShape(1, n)
	inputIDs, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	defer inputIDs.Destroy()
	attention, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, fmt.Errorf("mask tensor: %w", err)
	}
	defer attention.Destroy()
	tokenTypes, err := ort.NewTensor(shape, types)
	if err != nil {
		return nil, fmt.Errorf("type tensor: %w", err)
	}
	defer tokenTypes.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{inputIDs, attention, tokenTypes}, outputs); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	defer hidden.Destroy()

	// Mean pooling over the sequence axis; the mask is all ones here since
	// we never pad a single-sentence batch.
	data := hidden.GetData()
	seqLen := int(n)
	vec := make([]float32, e.dims)
	for t := 0; t < seqLen; t++ {
		for d := 0; d < e.dims; d++ {
			vec[d] += data[t*e.dims+d]
		}
	}
	var norm float64
	for d := range vec {
		vec[d] /= float32(seqLen)
		norm += float64(vec[d]) * float64(vec[d])
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for d := range vec {
			vec[d] *= inv
		}
	}
	return vec, nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dims
}

// Close releases the session and the runtime environment.
func (e *Embedder) Close() error {
	if err := e.session.Destroy(); err != nil {
		return err
	}
	return ort.DestroyEnvironment()
}

// tokenize lowercases, splits on whitespace/punctuation and applies greedy
// WordPiece against the vocab, bracketed with [CLS]/[SEP].
func (e *Embedder) tokenize(text string) []int64 {
	ids := []int64{e.cls}
	for _, word := range basicTokens(text) {
		ids = append(ids, e.wordpiece(word)...)
		if len(ids) >= e.maxTok-1 {
			ids = ids[:e.maxTok-1]
			break
		}
	}
	return append(ids, e.sep)
}

func (e *Embedder) wordpiece(word string) []int64 {
	var pieces []int64
	start := 0
	for start < len(word) {
		end := len(word)
		var id int64 = -1
		for end > start {
			sub := word[start:end]
			if start > 0 {
				sub = "##" + sub
			}
			if v, ok := e.vocab[sub]; ok {
				id = v
				break
			}
			end--
		}
		if id < 0 {
			return []int64{e.unk}
		}
		pieces = append(pieces, id)
		start = end
	}
	return pieces
}

func basicTokens(text string) []string {
	var out []string
	var sb strings.Builder
	flush := func() {
		if sb.Len() > 0 {
			out = append(out, sb.String())
			sb.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		case strings.ContainsRune(`.,;:!?'"()[]{}<>/\|@#$%^&*-_=+~`+"`", r):
			flush()
			out = append(out, string(r))
		default:
			sb.WriteRune(r)
		}
	}
	flush()
	return out
}

// loadVocab reads the vocab table from a HuggingFace tokenizer.json.
func loadVocab(path string) (map[string]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if len(file.Model.Vocab) == 0 {
		return nil, fmt.Errorf("no vocab in %s", path)
	}
	return file.Model.Vocab, nil
}
