// Package onnx provides Go bindings for the ONNX Runtime C API, sized for
// running the lip-sync pipeline's networks (denoising UNet, VAE encoder and
// decoder, audio conditioning encoder).
//
// The package exposes three core types:
//
//   - [Env] — global runtime environment (one per process)
//   - [Session] — a loaded network (.onnx graph)
//   - [Value] — an N-dimensional input/output tensor (float32 or int64)
//
// Usage flow:
//
//	env, _ := onnx.NewEnv("lipsync")
//	defer env.Close()
//
//	session, _ := env.NewSession(graphData, onnx.SessionOptions{})
//	defer session.Close()
//
//	latent, _ := onnx.NewFloatValue([]int64{1, 4, 8, 32, 32}, data)
//	step, _ := onnx.NewInt64Value([]int64{1}, []int64{981})
//	outs, _ := session.Run(
//		[]string{"sample", "timestep", "encoder_hidden_states"},
//		[]*onnx.Value{latent, step, cond},
//		[]string{"out_sample"},
//	)
//
// # Thread Safety
//
// Env is safe for concurrent use. Session.Run is thread-safe (ONNX Runtime
// locks internally), which is what lets independently sampled frame windows
// share one loaded network.
package onnx

/*
#include <onnxruntime_c_api.h>
#include <stdlib.h>
#include <string.h>

static const OrtApi* lsx_api() {
    return OrtGetApiBase()->GetApi(ORT_API_VERSION);
}

static OrtStatus* lsx_create_env(const OrtApi* api, const char* name, OrtEnv** out) {
    return api->CreateEnv(ORT_LOGGING_LEVEL_WARNING, name, out);
}

static OrtStatus* lsx_create_session_options(const OrtApi* api, int intra_threads, OrtSessionOptions** out) {
    OrtStatus* status = api->CreateSessionOptions(out);
    if (status) return status;
    if (intra_threads > 0) {
        return api->SetIntraOpNumThreads(*out, intra_threads);
    }
    return NULL;
}

static OrtStatus* lsx_create_session(const OrtApi* api, OrtEnv* env,
    const void* data, size_t len, OrtSessionOptions* opts, OrtSession** out) {
    return api->CreateSessionFromArray(env, data, len, opts, out);
}

static OrtStatus* lsx_create_cpu_memory_info(const OrtApi* api, OrtMemoryInfo** out) {
    return api->CreateCpuMemoryInfo(OrtArenaAllocator, OrtMemTypeDefault, out);
}

static OrtStatus* lsx_create_tensor(const OrtApi* api, OrtMemoryInfo* info,
    void* data, size_t byte_len, int64_t* shape, size_t shape_len,
    ONNXTensorElementDataType dtype, OrtValue** out) {
    return api->CreateTensorWithDataAsOrtValue(info, data, byte_len,
        shape, shape_len, dtype, out);
}

static OrtStatus* lsx_run(const OrtApi* api, OrtSession* session,
    const char** in_names, const OrtValue* const* ins, size_t num_ins,
    const char** out_names, size_t num_outs, OrtValue** outs) {
    return api->Run(session, NULL, in_names, ins, num_ins, out_names, num_outs, outs);
}

static OrtStatus* lsx_tensor_data(const OrtApi* api, OrtValue* value, void** out) {
    return api->GetTensorMutableData(value, out);
}

static OrtStatus* lsx_tensor_ndim(const OrtApi* api, OrtValue* value, size_t* ndim) {
    OrtTensorTypeAndShapeInfo* info;
    OrtStatus* status = api->GetTensorTypeAndShape(value, &info);
    if (status) return status;
    status = api->GetDimensionsCount(info, ndim);
    api->ReleaseTensorTypeAndShapeInfo(info);
    return status;
}

static OrtStatus* lsx_tensor_shape(const OrtApi* api, OrtValue* value,
    int64_t* shape, size_t shape_len) {
    OrtTensorTypeAndShapeInfo* info;
    OrtStatus* status = api->GetTensorTypeAndShape(value, &info);
    if (status) return status;
    status = api->GetDimensions(info, shape, shape_len);
    api->ReleaseTensorTypeAndShapeInfo(info);
    return status;
}

static const char* lsx_error_message(const OrtApi* api, OrtStatus* status) {
    return api->GetErrorMessage(status);
}

static void lsx_release_status(const OrtApi* api, OrtStatus* s) { api->ReleaseStatus(s); }
static void lsx_release_env(const OrtApi* api, OrtEnv* e) { api->ReleaseEnv(e); }
static void lsx_release_session(const OrtApi* api, OrtSession* s) { api->ReleaseSession(s); }
static void lsx_release_session_options(const OrtApi* api, OrtSessionOptions* o) { api->ReleaseSessionOptions(o); }
static void lsx_release_memory_info(const OrtApi* api, OrtMemoryInfo* i) { api->ReleaseMemoryInfo(i); }
static void lsx_release_value(const OrtApi* api, OrtValue* v) { api->ReleaseValue(v); }
*/
import "C"

import (
	"fmt"
	"runtime"
	"unsafe"
)

func api() *C.OrtApi {
	return C.lsx_api()
}

func checkStatus(status *C.OrtStatus) error {
	if status == nil {
		return nil
	}
	msg := C.GoString(C.lsx_error_message(api(), status))
	C.lsx_release_status(api(), status)
	return fmt.Errorf("onnx: %s", msg)
}

// Env is the ONNX Runtime environment. Create one per process.
type Env struct {
	env *C.OrtEnv
}

// NewEnv creates a new ONNX Runtime environment.
func NewEnv(name string) (*Env, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	var env *C.OrtEnv
	if err := checkStatus(C.lsx_create_env(api(), cName, &env)); err != nil {
		return nil, err
	}

	e := &Env{env: env}
	runtime.SetFinalizer(e, (*Env).Close)
	return e, nil
}

// SessionOptions configures session creation.
type SessionOptions struct {
	// IntraOpThreads limits the intra-op thread pool. Zero keeps the
	// runtime default. Parallel-window callers typically set this to 1
	// and parallelize across windows instead.
	IntraOpThreads int
}

// NewSession creates a session from an in-memory ONNX graph.
func (e *Env) NewSession(graphData []byte, opts SessionOptions) (*Session, error) {
	if len(graphData) == 0 {
		return nil, fmt.Errorf("onnx: empty graph data")
	}

	var cOpts *C.OrtSessionOptions
	if err := checkStatus(C.lsx_create_session_options(api(), C.int(opts.IntraOpThreads), &cOpts)); err != nil {
		return nil, err
	}
	defer C.lsx_release_session_options(api(), cOpts)

	var session *C.OrtSession
	if err := checkStatus(C.lsx_create_session(
		api(), e.env,
		unsafe.Pointer(&graphData[0]), C.size_t(len(graphData)),
		cOpts, &session,
	)); err != nil {
		return nil, err
	}

	s := &Session{session: session, pinned: graphData}
	runtime.SetFinalizer(s, (*Session).Close)
	return s, nil
}

// Close releases the environment.
func (e *Env) Close() error {
	if e.env != nil {
		C.lsx_release_env(api(), e.env)
		e.env = nil
		runtime.SetFinalizer(e, nil)
	}
	return nil
}

// Session holds a loaded ONNX graph.
type Session struct {
	session *C.OrtSession
	pinned  any // keeps the graph bytes alive
}

// Run executes the graph. Inputs and outputs are matched by graph node
// name. The caller must close each returned Value.
func (s *Session) Run(inputNames []string, inputs []*Value, outputNames []string) ([]*Value, error) {
	if len(inputNames) != len(inputs) {
		return nil, fmt.Errorf("onnx: input names/values length mismatch: %d vs %d", len(inputNames), len(inputs))
	}
	if len(outputNames) == 0 {
		return nil, fmt.Errorf("onnx: no output names")
	}

	cInNames := make([]*C.char, len(inputNames))
	for i, name := range inputNames {
		cInNames[i] = C.CString(name)
		defer C.free(unsafe.Pointer(cInNames[i]))
	}
	cIns := make([]*C.OrtValue, len(inputs))
	for i, v := range inputs {
		cIns[i] = v.value
	}
	cOutNames := make([]*C.char, len(outputNames))
	for i, name := range outputNames {
		cOutNames[i] = C.CString(name)
		defer C.free(unsafe.Pointer(cOutNames[i]))
	}
	cOuts := make([]*C.OrtValue, len(outputNames))

	status := C.lsx_run(api(), s.session,
		&cInNames[0], &cIns[0], C.size_t(len(inputs)),
		&cOutNames[0], C.size_t(len(outputNames)), &cOuts[0],
	)
	if err := checkStatus(status); err != nil {
		return nil, err
	}

	outs := make([]*Value, len(outputNames))
	for i, val := range cOuts {
		outs[i] = &Value{value: val, owned: true}
		runtime.SetFinalizer(outs[i], (*Value).Close)
	}
	return outs, nil
}

// Close releases the session.
func (s *Session) Close() error {
	if s.session != nil {
		C.lsx_release_session(api(), s.session)
		s.session = nil
		runtime.SetFinalizer(s, nil)
	}
	return nil
}

// Value is an N-dimensional tensor (OrtValue).
type Value struct {
	value  *C.OrtValue
	pinned any
	owned  bool
}

func newValue(shape []int64, data unsafe.Pointer, byteLen int, dtype C.ONNXTensorElementDataType, pin any) (*Value, error) {
	var memInfo *C.OrtMemoryInfo
	if err := checkStatus(C.lsx_create_cpu_memory_info(api(), &memInfo)); err != nil {
		return nil, err
	}
	defer C.lsx_release_memory_info(api(), memInfo)

	var value *C.OrtValue
	if err := checkStatus(C.lsx_create_tensor(
		api(), memInfo,
		data, C.size_t(byteLen),
		(*C.int64_t)(unsafe.Pointer(&shape[0])), C.size_t(len(shape)),
		dtype, &value,
	)); err != nil {
		return nil, err
	}

	v := &Value{value: value, pinned: pin, owned: true}
	runtime.SetFinalizer(v, (*Value).Close)
	return v, nil
}

func checkShape(shape []int64, n int) error {
	if len(shape) == 0 {
		return fmt.Errorf("onnx: empty shape")
	}
	total := int64(1)
	for _, d := range shape {
		total *= d
	}
	if int64(n) < total {
		return fmt.Errorf("onnx: tensor data too short: got %d, need %d", n, total)
	}
	return nil
}

// NewFloatValue creates a float32 tensor. The data slice must stay valid
// for the lifetime of the Value.
func NewFloatValue(shape []int64, data []float32) (*Value, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("onnx: empty tensor data")
	}
	if err := checkShape(shape, len(data)); err != nil {
		return nil, err
	}
	return newValue(shape, unsafe.Pointer(&data[0]), len(data)*4,
		C.ONNX_TENSOR_ELEMENT_DATA_TYPE_FLOAT, data)
}

// NewInt64Value creates an int64 tensor, used for scalar timestep inputs.
func NewInt64Value(shape []int64, data []int64) (*Value, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("onnx: empty tensor data")
	}
	if err := checkShape(shape, len(data)); err != nil {
		return nil, err
	}
	return newValue(shape, unsafe.Pointer(&data[0]), len(data)*8,
		C.ONNX_TENSOR_ELEMENT_DATA_TYPE_INT64, data)
}

// Shape returns the tensor dimensions.
func (v *Value) Shape() ([]int64, error) {
	var ndim C.size_t
	if err := checkStatus(C.lsx_tensor_ndim(api(), v.value, &ndim)); err != nil {
		return nil, err
	}
	if ndim == 0 {
		return nil, nil
	}
	shape := make([]int64, int(ndim))
	if err := checkStatus(C.lsx_tensor_shape(api(), v.value, (*C.int64_t)(unsafe.Pointer(&shape[0])), ndim)); err != nil {
		return nil, err
	}
	return shape, nil
}

// FloatData copies the tensor contents into a new float32 slice.
func (v *Value) FloatData() ([]float32, error) {
	shape, err := v.Shape()
	if err != nil {
		return nil, err
	}
	total := 1
	for _, d := range shape {
		total *= int(d)
	}
	if total <= 0 {
		return nil, nil
	}

	var ptr unsafe.Pointer
	if err := checkStatus(C.lsx_tensor_data(api(), v.value, &ptr)); err != nil {
		return nil, err
	}
	out := make([]float32, total)
	C.memcpy(unsafe.Pointer(&out[0]), ptr, C.size_t(total*4))
	return out, nil
}

// Close releases the tensor.
func (v *Value) Close() error {
	if v.value != nil && v.owned {
		C.lsx_release_value(api(), v.value)
		v.value = nil
		runtime.SetFinalizer(v, nil)
	}
	return nil
}
