package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供站点/分类/策略/命中状态字段，供拦截请求日志复用。
func RequestFields(site, domain, category, strategy string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"site":      site,
		"domain":    domain,
		"category":  category,
		"strategy":  strategy,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 描述某一代缓存在生命周期中的位置。
func LifecycleFields(site, version, state string) logrus.Fields {
	return logrus.Fields{
		"site":    site,
		"version": version,
		"state":   state,
	}
}
