package postprocess

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"actionplan/internal/errs"
)

// Weights are the additive terms of the click-correction score.
type Weights struct {
	SamePage    float64 `yaml:"same_page" mapstructure:"same_page"`
	Keyword     float64 `yaml:"keyword" mapstructure:"keyword"`
	Descriptive float64 `yaml:"descriptive" mapstructure:"descriptive"`
	Association float64 `yaml:"association" mapstructure:"association"`
	Confidence  float64 `yaml:"confidence" mapstructure:"confidence"`
}

// Association pairs a semantic class with the action elements that complete
// it: when the click context mentions a trigger, a candidate whose alias or
// description mentions an action earns the association bonus.
type Association struct {
	Class    string   `yaml:"class" mapstructure:"class"`
	Triggers []string `yaml:"triggers" mapstructure:"triggers"`
	Actions  []string `yaml:"actions" mapstructure:"actions"`
}

// Config holds every threshold used by the passes.
type Config struct {
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	ClickScoreThreshold float64       `mapstructure:"click_score_threshold"`
	Weights             Weights       `mapstructure:"weights"`
	Associations        []Association `mapstructure:"associations"`
}

// DefaultConfig returns the seed calibration.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.6,
		ClickScoreThreshold: 80,
		Weights: Weights{
			SamePage:    50,
			Keyword:     30,
			Descriptive: 40,
			Association: 60,
			Confidence:  20,
		},
		Associations: DefaultAssociations(),
	}
}

// DefaultAssociations is the built-in association table.
func DefaultAssociations() []Association {
	return []Association{
		{Class: "search", Triggers: []string{"search", "搜索", "query", "查询", "检索"}, Actions: []string{"search", "搜索", "submit", "提交"}},
		{Class: "purchase", Triggers: []string{"buy", "购买", "商品", "product", "cart", "购物车"}, Actions: []string{"buy", "购买", "cart", "加入购物车"}},
		{Class: "login", Triggers: []string{"login", "登录", "password", "密码", "username", "用户名"}, Actions: []string{"login", "登录", "sign"}},
		{Class: "detail", Triggers: []string{"detail", "详情", "view", "查看"}, Actions: []string{"detail", "详情", "more", "更多"}},
		{Class: "form", Triggers: []string{"form", "表单", "提交"}, Actions: []string{"submit", "提交", "确定", "confirm"}},
	}
}

type associationFile struct {
	Associations []Association `yaml:"associations"`
}

// ParseAssociations decodes a YAML association table. Both a top-level list
// and an {associations: [...]} document are accepted.
func ParseAssociations(raw []byte) ([]Association, error) {
	var list []Association
	if err := yaml.Unmarshal(raw, &list); err != nil {
		var doc associationFile
		if err2 := yaml.Unmarshal(raw, &doc); err2 != nil {
			return nil, errs.WrapInput("association table", err2)
		}
		list = doc.Associations
	}
	if len(list) == 0 {
		return nil, errs.Input("association table", "no associations defined")
	}
	for i, a := range list {
		if strings.TrimSpace(a.Class) == "" {
			return nil, errs.Input("association table", "entry %d has no class", i)
		}
		if len(a.Triggers) == 0 || len(a.Actions) == 0 {
			return nil, errs.Input("association table", "class %q needs triggers and actions", a.Class)
		}
	}
	return list, nil
}

// LoadAssociations reads a YAML association table from path.
func LoadAssociations(path string) ([]Association, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WrapInput("association table", err)
	}
	return ParseAssociations(raw)
}
