package policy

// 内置策略表：分类 → 策略 + 分区。
var builtinProfiles = []Profile{
	{
		Category:    CategoryDocument,
		Strategy:    StrategyNetworkFirst,
		Partition:   PartitionStatic,
		Description: "HTML pages and navigations, always refreshed from the network",
	},
	{
		Category:    CategoryStatic,
		Strategy:    StrategyCacheFirst,
		Partition:   PartitionStatic,
		Description: "Stylesheets and scripts",
	},
	{
		Category:    CategoryImage,
		Strategy:    StrategyCacheFirst,
		Partition:   PartitionImages,
		Description: "Images including generated WebP variants",
	},
	{
		Category:    CategoryFont,
		Strategy:    StrategyCacheFirst,
		Partition:   PartitionFonts,
		Description: "Web fonts",
	},
	{
		Category:    CategoryCDN,
		Strategy:    StrategyCacheFirst,
		Partition:   PartitionFonts,
		Description: "Third-party CDN assets, shares the fonts partition unless split",
	},
	{
		Category:    CategoryOther,
		Strategy:    StrategyNetworkFirstOffline,
		Partition:   PartitionStatic,
		Description: "Everything else, cached only for same-origin 200 responses",
	},
}

func init() {
	for _, profile := range builtinProfiles {
		MustRegister(profile)
	}
}

// ResolvePartition 返回分类最终写入的分区；splitCDN 为 true 时 cdn 使用独立分区。
func ResolvePartition(profile Profile, splitCDN bool) PartitionKind {
	if profile.Category == CategoryCDN && splitCDN {
		return PartitionCDN
	}
	return profile.Partition
}
