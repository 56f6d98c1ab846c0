package packer

// BuiltinRules 内置壳特征库
func BuiltinRules() []PackerRule {
	return []PackerRule{
		// 国内商业加固
		{
			Name:       "Qihoo 360 Jiagu",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libjiagu.so", "libjiagu_x86.so", "libjiagu_a64.so", "libjiagu_x64.so"},
			Markers:    []string{"assets/libjiagu", "com/stub/stubapp"},
			Priority:   100,
		},
		{
			Name:       "Tencent Legu",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libshell.so", "libshellx.so", "libshella.so", "libtxmsecurity.so"},
			Markers:    []string{"tencent_stub", "assets/0oooooooooo"},
			Priority:   100,
		},
		{
			Name:       "Ijiami",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libexec.so", "libexecmain.so"},
			Markers:    []string{"ijiami.ajm", "assets/ijm_lib", "ijiami.dat"},
			Priority:   100,
		},
		{
			Name:       "Bangcle / SecNeo",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libdexhelper.so", "libdexhelper-x86.so", "libsecshell.so", "libsecexe.so"},
			Markers:    []string{"assets/bangcle", "assets/secneo", "assets/classes.jar"},
			Priority:   100,
		},
		{
			Name:       "Nagain",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libnaga.so", "libddog.so", "libedog.so"},
			Markers:    []string{"nagapt"},
			Priority:   95,
		},
		{
			Name:       "NetEase Yidun",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libnesec.so", "libnethtprotect.so"},
			Markers:    []string{"nis_wrapper"},
			Priority:   95,
		},
		{
			Name:       "Alibaba JAQ",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libmobisec.so", "libsgmain.so", "libsgsecuritybody.so"},
			Markers:    []string{"aliprotector"},
			Priority:   95,
		},
		{
			Name:       "Baidu Protect",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libbaiduprotect.so", "libcocklogic.so"},
			Markers:    []string{"baiduprotect"},
			Priority:   90,
		},
		{
			Name:       "PayEgis",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libegis.so", "libnsaferonly.so"},
			Markers:    []string{"payegis"},
			Priority:   90,
		},
		{
			Name:       "KiwiSec",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libkwscmm.so", "libkwscr.so", "libkwslinker.so"},
			Markers:    []string{"kiwisec"},
			Priority:   85,
		},
		{
			Name:       "DingXiang",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libx3g.so", "libdxoptimizer.so"},
			Markers:    []string{"dxshield"},
			Priority:   85,
		},
		// 海外商业保护
		{
			Name:     "DexGuard",
			Type:     PackerTypeDexEncrypt,
			Markers:  []string{"dexguard", "guardsquare"},
			Priority: 80,
		},
		{
			Name:       "DexProtector",
			Type:       PackerTypeVMP,
			NativeLibs: []string{"libdexprotector.so", "libdpboot.so"},
			Markers:    []string{"dexprotector", "assets/dp.arm"},
			Priority:   80,
		},
		{
			Name:       "Arxan",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libarxanjni.so", "libarxan.so"},
			Priority:   75,
		},
		{
			Name:       "AppSealing",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libappsealing.so", "libappsealingcore.so"},
			Markers:    []string{"appsealing"},
			Priority:   75,
		},
		// 通用特征：小 DEX 配大 Native 库，或 assets 下藏 DEX
		{
			Name:     "Unknown packer",
			Type:     PackerTypeUnknown,
			Size:     SizeHint{DEXMaxKB: 100, NativeMinMB: 10},
			Priority: 10,
		},
	}
}
