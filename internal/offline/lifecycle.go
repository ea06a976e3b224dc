package offline

import "time"

// State 是一代缓存所处的生命周期阶段。
type State string

const (
	StateUninstalled State = "uninstalled"
	StateInstalling  State = "installing"
	StateInstalled   State = "installed"
	StateActivating  State = "activating"
	StateActive      State = "active"
	// StateRedundant 表示安装失败或已被新版本替换的一代。
	StateRedundant State = "redundant"
)

// Generation 对应某个版本的一次安装，State 只在 Manager 持锁时修改。
type Generation struct {
	Manifest    Manifest
	Partitions  PartitionSet
	State       State
	InstalledAt time.Time
	ActivatedAt time.Time
}

func newGeneration(manifest Manifest) *Generation {
	return &Generation{
		Manifest:   manifest,
		Partitions: NewPartitionSet(manifest.Name, manifest.Version, manifest.SplitCDN),
		State:      StateUninstalled,
	}
}

// Version 返回该代对应的清单版本。
func (g *Generation) Version() string {
	return g.Manifest.Version
}

// Status 是 Manager 的诊断快照。
type Status struct {
	Site           string    `json:"site"`
	Domain         string    `json:"domain"`
	State          State     `json:"state"`
	Version        string    `json:"version"`
	ActiveVersion  string    `json:"active_version,omitempty"`
	WaitingVersion string    `json:"waiting_version,omitempty"`
	Partitions     []string  `json:"partitions,omitempty"`
	SkipWaiting    bool      `json:"skip_waiting"`
	ActivatedAt    time.Time `json:"activated_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}
