package dashscope

import "sync"

var (
	globalService *Service
	globalMu      sync.RWMutex
)

// InitGlobalService 初始化全局DashScope服务
func InitGlobalService(apiKey, baseURL string) {
	if apiKey == "" {
		return
	}

	globalMu.Lock()
	globalService = NewService(apiKey, baseURL)
	globalMu.Unlock()
}

// GetGlobalService 获取全局DashScope服务实例
func GetGlobalService() *Service {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalService
}

// IsGlobalServiceReady 检查全局服务是否就绪
func IsGlobalServiceReady() bool {
	return GetGlobalService().Ready()
}
