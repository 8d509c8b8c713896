package capability

import (
	"strings"

	"VisualSphere/src/library/enum"
)

type rendererRule struct {
	substr string
	class  enum.GPUClass
}

// rendererRules 按顺序匹配，先命中者生效。规则表需要随新硬件持续更新
var rendererRules = []rendererRule{
	// 移动端GPU
	{"adreno", enum.GPUClassMobile},
	{"mali", enum.GPUClassMobile},
	{"powervr", enum.GPUClassMobile},
	{"apple gpu", enum.GPUClassMobile},
	{"videocore", enum.GPUClassMobile},
	{"nvidia tegra", enum.GPUClassMobile},

	// Intel Arc 是独显，必须先于通用 intel 规则
	{"intel(r) arc", enum.GPUClassDiscrete},
	{"intel arc", enum.GPUClassDiscrete},

	// 集成显卡与软件渲染
	{"radeon(tm) graphics", enum.GPUClassIntegrated},
	{"radeon graphics", enum.GPUClassIntegrated},
	{"radeon vega", enum.GPUClassIntegrated},
	{"intel", enum.GPUClassIntegrated},
	{"iris", enum.GPUClassIntegrated},
	{"uhd graphics", enum.GPUClassIntegrated},
	{"apple m", enum.GPUClassIntegrated},
	{"llvmpipe", enum.GPUClassIntegrated},
	{"swiftshader", enum.GPUClassIntegrated},

	// 独立显卡
	{"nvidia", enum.GPUClassDiscrete},
	{"geforce", enum.GPUClassDiscrete},
	{"quadro", enum.GPUClassDiscrete},
	{"rtx", enum.GPUClassDiscrete},
	{"gtx", enum.GPUClassDiscrete},
	{"radeon", enum.GPUClassDiscrete},
	{"firepro", enum.GPUClassDiscrete},
}

// ClassifyRenderer 根据渲染器字符串判断GPU类别，未命中任何规则时视为集成显卡
func ClassifyRenderer(renderer string) enum.GPUClass {
	r := strings.ToLower(renderer)
	for _, rule := range rendererRules {
		if strings.Contains(r, rule.substr) {
			return rule.class
		}
	}
	return enum.GPUClassIntegrated
}
