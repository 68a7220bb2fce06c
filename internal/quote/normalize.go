package quote

import (
	"fmt"
	"math"
	"strings"
)

// provinceAliases folds short and historical place names onto the canonical
// form used for cache keys and cost-table lookups.
var provinceAliases = map[string]string{
	"京":    "北京",
	"津":    "天津",
	"沪":    "上海",
	"渝":    "重庆",
	"粤":    "广东",
	"浙":    "浙江",
	"苏":    "江苏",
	"鲁":    "山东",
	"闽":    "福建",
	"川":    "四川",
	"黑龙江省": "黑龙江",
	"内蒙":   "内蒙古",
}

// administrativeSuffixes are folded off place names, longest first.
var administrativeSuffixes = []string{
	"特别行政区", "自治区", "自治州", "地区", "省", "市", "区", "县",
}

// knownPlaces holds the canonical province-level regions and major cities.
// Free-text parsers use it to tell place tokens from ordinary words.
var knownPlaces = map[string]bool{
	"北京": true, "天津": true, "上海": true, "重庆": true,
	"河北": true, "山西": true, "辽宁": true, "吉林": true, "黑龙江": true,
	"江苏": true, "浙江": true, "安徽": true, "福建": true, "江西": true,
	"山东": true, "河南": true, "湖北": true, "湖南": true, "广东": true,
	"广西": true, "海南": true, "四川": true, "贵州": true, "云南": true,
	"陕西": true, "甘肃": true, "青海": true, "台湾": true,
	"内蒙古": true, "西藏": true, "宁夏": true, "新疆": true,
	"香港": true, "澳门": true,
	"广州": true, "深圳": true, "杭州": true, "南京": true, "苏州": true,
	"武汉": true, "成都": true, "西安": true, "郑州": true, "长沙": true,
	"合肥": true, "福州": true, "厦门": true, "济南": true, "青岛": true,
	"沈阳": true, "大连": true, "哈尔滨": true, "长春": true, "昆明": true,
	"贵阳": true, "南宁": true, "南昌": true, "太原": true, "石家庄": true,
	"无锡": true, "宁波": true, "温州": true, "佛山": true, "东莞": true,
	"珠海": true, "泉州": true, "金华": true, "嘉兴": true, "绍兴": true,
	"台州": true, "徐州": true, "常州": true, "南通": true, "唐山": true,
	"烟台": true, "潍坊": true, "洛阳": true, "襄阳": true, "宜昌": true,
	"绵阳": true, "兰州": true, "西宁": true, "银川": true, "海口": true,
	"三亚": true, "乌鲁木齐": true, "拉萨": true, "呼和浩特": true,
}

// KnownPlace reports whether the text normalizes to a known province or
// city name.
func KnownPlace(place string) bool {
	p := NormalizePlace(place)
	if p == "" {
		return false
	}
	return knownPlaces[p]
}

// NormalizePlace resolves aliases and folds administrative suffixes so that
// 北京 and 北京市 key identically.
func NormalizePlace(place string) string {
	p := strings.TrimSpace(place)
	if p == "" {
		return ""
	}
	for _, suffix := range administrativeSuffixes {
		if strings.HasSuffix(p, suffix) && len(p) > len(suffix) {
			p = strings.TrimSuffix(p, suffix)
			break
		}
	}
	if canonical, ok := provinceAliases[p]; ok {
		return canonical
	}
	return p
}

// CacheKey buckets the request's continuous dimensions and joins them with
// the normalized route. Weight steps 0.5 kg, volume steps 500 cc, volume
// weight steps 0.5 kg.
func CacheKey(req Request) string {
	return fmt.Sprintf("%s|%s|%.1f|%.0f|%.1f|%s|%s",
		NormalizePlace(req.Origin),
		NormalizePlace(req.Destination),
		bucket(req.WeightKg, 0.5),
		bucket(req.VolumeCc, 500),
		bucket(req.VolumeWeightKg, 0.5),
		serviceLevelOrDefault(req.ServiceLevel),
		courierOrAuto(req.Courier),
	)
}

func bucket(v, step float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Ceil(v/step) * step
}

func serviceLevelOrDefault(level string) string {
	switch level {
	case ServiceExpress, ServiceUrgent:
		return level
	default:
		return ServiceStandard
	}
}

func courierOrAuto(courier string) string {
	if courier == "" {
		return "auto"
	}
	return courier
}
