package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ NormalizerRegistry = (*NormalizerCatalog)(nil)
	_ RefreshLocker      = (*MemoryRefreshLocker)(nil)
	_ Repository         = (*MemoryRepository)(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
