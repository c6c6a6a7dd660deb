package fingerprint

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrawIsConsistent(t *testing.T) {
	p := NewSeededProvider(1, 2)
	tokens := map[string]string{
		"Windows": "Windows NT 10.0",
		"macOS":   "Mac OS X",
		"Linux":   "Linux x86_64",
	}
	platforms := map[string]string{
		"Windows": "Win32",
		"macOS":   "MacIntel",
		"Linux":   "Linux x86_64",
	}
	zones := map[string][]string{}
	for _, lz := range localeZones {
		zones[lz.locale] = append(zones[lz.locale], lz.timezone)
	}

	for range 200 {
		pr := p.Draw()
		assert.Contains(t, pr.UserAgent, tokens[pr.OS])
		assert.Equal(t, platforms[pr.OS], pr.Platform)
		assert.Contains(t, pr.UserAgent, "Chrome/")
		assert.Contains(t, zones[pr.Locale], pr.Timezone)
		assert.Equal(t, pr.Locale, pr.Languages[0])
		assert.Contains(t, []int{4, 8}, pr.DeviceMemory)
		assert.Contains(t, []int{4, 8, 12, 16}, pr.HardwareConcurrency)
		assert.Positive(t, pr.Viewport.Width)

		h := pr.Headers()
		assert.Equal(t, `"`+pr.OS+`"`, h["Sec-CH-UA-Platform"])
		assert.True(t, strings.HasPrefix(h["Accept-Language"], pr.Locale))
		assert.Contains(t, h["Sec-CH-UA"], `v="`)
	}
}

func TestUserAgentMetadataMatchesProfile(t *testing.T) {
	p := NewSeededProvider(3, 5)
	for range 100 {
		pr := p.Draw()
		md := pr.UserAgentMetadata()

		assert.Equal(t, pr.OS, md.Platform)
		assert.NotEmpty(t, md.PlatformVersion)
		assert.False(t, md.Mobile)
		require.Len(t, md.Brands, 3)
		assert.Equal(t, "Google Chrome", md.Brands[0].Brand)
		assert.Equal(t, fmt.Sprint(pr.ChromeMajor), md.Brands[0].Version)

		full := md.FullVersionList[0].Version
		assert.True(t, strings.HasPrefix(full, fmt.Sprintf("%d.", pr.ChromeMajor)), full)
		assert.Contains(t, pr.UserAgent, fmt.Sprintf("Chrome/%d.", pr.ChromeMajor))

		for _, b := range md.Brands {
			assert.Contains(t, pr.SecCHUA(), fmt.Sprintf("%q;v=%q", b.Brand, b.Version))
		}
	}
}

func TestSecCHUA(t *testing.T) {
	pr := Profile{ChromeMajor: 130}
	assert.Equal(t, `"Google Chrome";v="130", "Chromium";v="130", "Not_A Brand";v="24"`, pr.SecCHUA())
	assert.Equal(t, "130.0.6723.116", pr.FullVersion())
	assert.Equal(t, "99.0.0.0", Profile{ChromeMajor: 99}.FullVersion())
}

func TestDrawVaries(t *testing.T) {
	p := NewSeededProvider(7, 9)
	seen := map[string]bool{}
	for range 50 {
		seen[p.Draw().UserAgent] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestDrawConcurrent(t *testing.T) {
	p := NewProvider()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = p.Draw()
			}
		}()
	}
	wg.Wait()
}

func TestAcceptLanguage(t *testing.T) {
	pr := Profile{Languages: []string{"de-DE", "de", "en-US", "en"}}
	assert.Equal(t, "de-DE,de;q=0.9,en-US;q=0.8,en;q=0.7", pr.AcceptLanguage())
}

func TestInitScriptOverridesNavigator(t *testing.T) {
	pr := Profile{Platform: "MacIntel", HardwareConcurrency: 12, DeviceMemory: 8, Locale: "en-GB", Languages: []string{"en-GB", "en"}}

	vm := goja.New()
	_, err := vm.RunString(`
		function Navigator() {}
		Navigator.prototype.platform = 'Linux armv8l';
		var navigator = new Navigator();
	`)
	require.NoError(t, err)
	_, err = vm.RunString(pr.InitScript())
	require.NoError(t, err)

	v, err := vm.RunString(`[navigator.platform, navigator.hardwareConcurrency, navigator.deviceMemory, navigator.languages.join(',')].join('|')`)
	require.NoError(t, err)
	assert.Equal(t, "MacIntel|12|8|en-GB,en", v.String())
}
