package llama

/*
#cgo CFLAGS: -Ofast -std=c11 -fPIC
#cgo CPPFLAGS: -Ofast -Wall -Wextra -Wno-unused-function -Wno-unused-variable -DNDEBUG
#cgo CXXFLAGS: -std=c++11 -fPIC
#cgo darwin CPPFLAGS: -DGGML_USE_ACCELERATE
#cgo darwin,arm64 CPPFLAGS: -DGGML_USE_METAL -DGGML_METAL_NDEBUG
#cgo darwin LDFLAGS: -framework Accelerate -framework Foundation -framework Metal -framework MetalKit -framework MetalPerformanceShaders
#cgo linux LDFLAGS: -lstdc++ -lm

#include <stdlib.h>
#include "llama.h"

static struct llama_batch exsa_batch_init(int n, int embd, int n_seq_max) {
	return llama_batch_init(n, embd, n_seq_max);
}

static void exsa_batch_add(struct llama_batch *b, llama_token tok, llama_pos pos, llama_seq_id seq, bool logits) {
	int i = b->n_tokens;
	b->token[i] = tok;
	b->pos[i] = pos;
	b->n_seq_id[i] = 1;
	b->seq_id[i][0] = seq;
	b->logits[i] = logits;
	b->n_tokens++;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

var backendOnce sync.Once

// BackendInit initializes the llama.cpp backend exactly once per process.
func BackendInit() {
	backendOnce.Do(func() {
		C.llama_backend_init()
	})
}

type cgoModel struct {
	ptr *C.struct_llama_model
}

// LoadModelFromFile loads model weights from a GGUF file on disk.
func LoadModelFromFile(path string, params ModelParams) (Model, error) {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	mp := C.llama_model_default_params()
	mp.n_gpu_layers = C.int32_t(params.NumGpuLayers)
	mp.main_gpu = C.int32_t(params.MainGpu)
	mp.use_mmap = C.bool(params.UseMmap)
	mp.use_mlock = C.bool(params.UseMlock)

	ptr := C.llama_load_model_from_file(cPath, mp)
	if ptr == nil {
		return nil, fmt.Errorf("llama: failed to load model from %q", path)
	}
	if params.Progress != nil {
		params.Progress(1.0)
	}
	return &cgoModel{ptr: ptr}, nil
}

func (m *cgoModel) Tokenize(text string, addBOS bool, special bool) ([]Token, error) {
	cText := C.CString(text)
	defer C.free(unsafe.Pointer(cText))

	maxTokens := len(text) + 8
	buf := make([]C.llama_token, maxTokens)
	n := C.llama_tokenize(
		m.ptr,
		cText, C.int32_t(len(text)),
		(*C.llama_token)(unsafe.Pointer(&buf[0])), C.int32_t(maxTokens),
		C.bool(addBOS), C.bool(special),
	)
	if n < 0 {
		return nil, fmt.Errorf("llama: tokenize buffer too small (need %d)", -n)
	}
	out := make([]Token, n)
	for i := 0; i < int(n); i++ {
		out[i] = Token(buf[i])
	}
	return out, nil
}

func (m *cgoModel) TokenToPiece(tok Token) string {
	var buf [64]C.char
	n := C.llama_token_to_piece(m.ptr, C.llama_token(tok), &buf[0], C.int32_t(len(buf)), 0, true)
	if n < 0 {
		return ""
	}
	return C.GoStringN(&buf[0], n)
}

func (m *cgoModel) TokenIsEog(tok Token) bool {
	return bool(C.llama_token_is_eog(m.ptr, C.llama_token(tok)))
}

func (m *cgoModel) AddBOSToken() bool {
	return bool(C.llama_add_bos_token(m.ptr))
}

func (m *cgoModel) NVocab() int {
	return int(C.llama_n_vocab(m.ptr))
}

func (m *cgoModel) ApplyLoraFromFile(ctx Context, path string, scale float32, threads int) error {
	cc, ok := ctx.(*cgoContext)
	if !ok {
		return fmt.Errorf("llama: ApplyLoraFromFile requires a cgo context")
	}
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	adapter := C.llama_adapter_lora_init(m.ptr, cPath)
	if adapter == nil {
		return fmt.Errorf("llama: failed to load lora adapter from %q", path)
	}
	if rc := C.llama_set_adapter_lora(cc.ptr, adapter, C.float(scale)); rc != 0 {
		return fmt.Errorf("llama: failed to apply lora adapter (rc=%d)", int(rc))
	}
	return nil
}

func (m *cgoModel) Close() {
	if m.ptr != nil {
		C.llama_free_model(m.ptr)
		m.ptr = nil
	}
}

type cgoContext struct {
	ptr   *C.struct_llama_context
	batch C.struct_llama_batch
}

// NewContextWithModel creates a decoding context against an already-loaded model.
func NewContextWithModel(m Model, params ContextParams) (Context, error) {
	cm, ok := m.(*cgoModel)
	if !ok {
		return nil, fmt.Errorf("llama: NewContextWithModel requires a cgo model")
	}
	cp := C.llama_context_default_params()
	cp.n_ctx = C.uint32_t(params.NCtx)
	cp.n_batch = C.uint32_t(params.NBatch)
	cp.n_seq_max = C.uint32_t(params.NSeqMax)
	cp.n_threads = C.int32_t(params.NThreads)
	cp.n_threads_batch = C.int32_t(params.NThreads)
	cp.flash_attn = C.bool(params.FlashAttn)
	if t, ok := map[string]C.enum_ggml_type{
		"F32": C.GGML_TYPE_F32, "F16": C.GGML_TYPE_F16, "Q8_0": C.GGML_TYPE_Q8_0,
		"Q4_0": C.GGML_TYPE_Q4_0, "Q4_1": C.GGML_TYPE_Q4_1, "Q4_K": C.GGML_TYPE_Q4_K,
		"Q5_K": C.GGML_TYPE_Q5_K, "Q6_K": C.GGML_TYPE_Q6_K, "Q8_K": C.GGML_TYPE_Q8_K,
	}[params.KVCacheType]; ok {
		cp.type_k = t
		cp.type_v = t
	}

	ptr := C.llama_new_context_with_model(cm.ptr, cp)
	if ptr == nil {
		return nil, fmt.Errorf("llama: failed to create context")
	}
	batch := C.exsa_batch_init(C.int(params.NBatch), 0, C.int(params.NSeqMax))
	return &cgoContext{ptr: ptr, batch: batch}, nil
}

func (c *cgoContext) Decode(b *Batch) error {
	c.batch.n_tokens = 0
	for i := range b.Tokens {
		C.exsa_batch_add(&c.batch, C.llama_token(b.Tokens[i]), C.llama_pos(b.Pos[i]), C.llama_seq_id(b.SeqIDs[i]), C.bool(b.Logits[i]))
	}
	rc := C.llama_decode(c.ptr, c.batch)
	switch {
	case rc == 0:
		return nil
	case rc == 1:
		return ErrKvCacheFull
	default:
		return fmt.Errorf("llama: decode failed (rc=%d)", int(rc))
	}
}

func (c *cgoContext) Logits(i int) []float32 {
	ptr := C.llama_get_logits_ith(c.ptr, C.int32_t(i))
	if ptr == nil {
		return nil
	}
	n := int(C.llama_n_vocab(C.llama_get_model(c.ptr)))
	return unsafe.Slice((*float32)(unsafe.Pointer(ptr)), n)
}

func (c *cgoContext) KvCacheSeqRm(seqID int32, p0, p1 int32) bool {
	return bool(C.llama_kv_cache_seq_rm(c.ptr, C.llama_seq_id(seqID), C.llama_pos(p0), C.llama_pos(p1)))
}

func (c *cgoContext) KvCacheSeqAdd(seqID int32, p0, p1 int32, delta int32) {
	C.llama_kv_cache_seq_add(c.ptr, C.llama_seq_id(seqID), C.llama_pos(p0), C.llama_pos(p1), C.llama_pos(delta))
}

func (c *cgoContext) KvCacheSeqCp(src, dst int32, p0, p1 int32) {
	C.llama_kv_cache_seq_cp(c.ptr, C.llama_seq_id(src), C.llama_seq_id(dst), C.llama_pos(p0), C.llama_pos(p1))
}

func (c *cgoContext) KvCacheDefrag() {
	C.llama_kv_cache_defrag(c.ptr)
}

func (c *cgoContext) Synchronize() {
	C.llama_synchronize(c.ptr)
}

func (c *cgoContext) Close() {
	if c.ptr != nil {
		C.llama_batch_free(c.batch)
		C.llama_free(c.ptr)
		c.ptr = nil
	}
}
