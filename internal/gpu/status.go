package gpu

import "fmt"

var statusNames = map[Status][2]string{
	StatusSuccess:             {"cudaSuccess", "no error"},
	StatusInvalidValue:        {"cudaErrorInvalidValue", "invalid argument"},
	StatusMemoryAllocation:    {"cudaErrorMemoryAllocation", "out of memory"},
	StatusInitializationError: {"cudaErrorInitializationError", "initialization error"},
	StatusInsufficientDriver:  {"cudaErrorInsufficientDriver", "CUDA driver version is insufficient for CUDA runtime version"},
	StatusNoDevice:            {"cudaErrorNoDevice", "no CUDA-capable device is detected"},
	StatusInvalidDevice:       {"cudaErrorInvalidDevice", "invalid device ordinal"},
	StatusInvalidHandle:       {"cudaErrorInvalidResourceHandle", "invalid resource handle"},
	StatusNotReady:            {"cudaErrorNotReady", "device not ready"},
}

var blasStatusNames = map[BLASStatus]string{
	BLASStatusSuccess:         "CUBLAS_STATUS_SUCCESS",
	BLASStatusNotInitialized:  "CUBLAS_STATUS_NOT_INITIALIZED",
	BLASStatusAllocFailed:     "CUBLAS_STATUS_ALLOC_FAILED",
	BLASStatusInvalidValue:    "CUBLAS_STATUS_INVALID_VALUE",
	BLASStatusExecutionFailed: "CUBLAS_STATUS_EXECUTION_FAILED",
	BLASStatusInternalError:   "CUBLAS_STATUS_INTERNAL_ERROR",
}

var dnnStatusStrings = map[DNNStatus]string{
	DNNStatusSuccess:         "CUDNN_STATUS_SUCCESS",
	DNNStatusNotInitialized:  "CUDNN_STATUS_NOT_INITIALIZED",
	DNNStatusAllocFailed:     "CUDNN_STATUS_ALLOC_FAILED",
	DNNStatusBadParam:        "CUDNN_STATUS_BAD_PARAM",
	DNNStatusInternalError:   "CUDNN_STATUS_INTERNAL_ERROR",
	DNNStatusExecutionFailed: "CUDNN_STATUS_EXECUTION_FAILED",
}

func defaultStatusName(st Status) string {
	if n, ok := statusNames[st]; ok {
		return n[0]
	}
	return fmt.Sprintf("cudaError(%d)", int(st))
}

func defaultStatusString(st Status) string {
	if n, ok := statusNames[st]; ok {
		return n[1]
	}
	return "unrecognized error code"
}

func defaultBLASStatusName(st BLASStatus) string {
	if n, ok := blasStatusNames[st]; ok {
		return n
	}
	return fmt.Sprintf("CUBLAS_STATUS(%d)", int(st))
}

func defaultDNNStatusString(st DNNStatus) string {
	if n, ok := dnnStatusStrings[st]; ok {
		return n
	}
	return fmt.Sprintf("CUDNN_STATUS(%d)", int(st))
}
