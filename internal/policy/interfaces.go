package policy

// Category 是请求分类结果，取值为封闭集合。
type Category string

const (
	CategoryDocument Category = "document"
	CategoryStatic   Category = "static"
	CategoryImage    Category = "image"
	CategoryFont     Category = "font"
	CategoryCDN      Category = "cdn"
	CategoryOther    Category = "other"
)

// Strategy 描述某类请求的缓存读写策略。
type Strategy string

const (
	// StrategyNetworkFirst 总是先请求网络，失败后才回退缓存。
	StrategyNetworkFirst Strategy = "network-first"
	// StrategyCacheFirst 命中缓存直接返回，未命中时回源并写入缓存。
	StrategyCacheFirst Strategy = "cache-first"
	// StrategyNetworkFirstOffline 在 network-first 基础上只缓存 200 + basic 响应，
	// 并在缓存也未命中时返回离线页面或 503。
	StrategyNetworkFirstOffline Strategy = "network-first-offline"
)

// PartitionKind 标识分区类别，真实分区名还需拼接站点名与版本。
type PartitionKind string

const (
	PartitionStatic PartitionKind = "static"
	PartitionImages PartitionKind = "images"
	PartitionFonts  PartitionKind = "fonts"
	PartitionCDN    PartitionKind = "cdn"
)

// Profile 记录一个分类的静态策略信息，供请求分发与诊断端使用。
type Profile struct {
	Category    Category
	Strategy    Strategy
	Partition   PartitionKind
	Description string
}

