package consent

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Vendor is one consent management platform the layer neutralizes. The set
// is closed: every vendor has exactly one init routine, its pre-seeded
// state, the hosts its scripts load from and the selectors of its banner.
type Vendor struct {
	Name      string
	Script    string            // runs after the prelude, before page scripts
	Storage   map[string]string // localStorage keys written before page scripts
	Cookies   func(now time.Time) map[string]string
	Hosts     []string // CMP script/API hosts, always allowed
	Selectors []string // banner containers for suppression and pruning
}

// tcString is a syntactically valid TCF v2 consent string granting all
// purposes. CMPs only need to parse it to consider the user handled.
const tcString = "CQHYD4AQHYD4AAHABBENBPFsAP_gAEPgAAAAKZtV_G__bWlr8X73aftkeY1P9_h77sQxBhfJE-4FzLvW_JwXx2ExNA36tqIKmRIAu3TBIQNlGJDURVCgaogVryDMaEyUoTNKJ6BkiFMRM2dYCFxvm4tjeQCY5vr991d52R-t7dr83dzyy4hHn3a5_2S0WJCdA5-tDfv9bROb-9IOd_x8v4v8_F_rE2_eT1l_tevp7D9-cts7_XW-9_fff79Ll9-_wD_5sA"

// Vendors returns the full neutralization set in application order.
func Vendors() []Vendor {
	return []Vendor{
		tcfVendor(),
		gppVendor(),
		oneTrustVendor(),
		cookiebotVendor(),
		didomiVendor(),
		usercentricsVendor(),
		trustArcVendor(),
		sourcepointVendor(),
	}
}

func tcfVendor() Vendor {
	return Vendor{
		Name: "tcf",
		Script: `(() => {
  const ps = window[Symbol.for('proofshot.consent')];
  const tcData = (listenerId) => ({
    tcString: ` + jsString(tcString) + `,
    tcfPolicyVersion: 4, cmpId: 10, cmpVersion: 1,
    gdprApplies: true, eventStatus: 'tcloaded', cmpStatus: 'loaded',
    listenerId: listenerId, isServiceSpecific: true, useNonStandardTexts: false,
    purposeOneTreatment: false, publisherCC: 'EU',
    purpose: { consents: ps.allTrue(), legitimateInterests: ps.allTrue() },
    vendor: { consents: ps.allTrue(), legitimateInterests: ps.allTrue() },
    specialFeatureOptins: ps.allTrue(),
    publisher: { consents: ps.allTrue(), legitimateInterests: ps.allTrue() },
  });
  let nextListener = 1;
  const tcfapi = function (command, version, callback) {
    if (typeof callback !== 'function') return;
    switch (command) {
      case 'ping':
        callback({ gdprApplies: true, cmpLoaded: true, cmpStatus: 'loaded', displayStatus: 'hidden', apiVersion: '2.2', tcfPolicyVersion: 4 }, true);
        break;
      case 'getTCData':
        callback(tcData(undefined), true);
        break;
      case 'addEventListener':
        callback(tcData(nextListener++), true);
        break;
      case 'removeEventListener':
        callback(true);
        break;
      default:
        callback(null, false);
    }
  };
  const cmp = function (command, param, callback) {
    if (typeof callback !== 'function') return;
    switch (command) {
      case 'ping':
        callback({ gdprAppliesGlobally: false, cmpLoaded: true }, true);
        break;
      case 'getConsentData':
        callback({ consentData: ` + jsString(tcString) + `, gdprApplies: true, hasGlobalScope: false }, true);
        break;
      case 'getVendorConsents':
        callback({ metadata: ` + jsString(tcString) + `, gdprApplies: true, hasGlobalScope: false, purposeConsents: ps.allTrue(), vendorConsents: ps.allTrue() }, true);
        break;
      default:
        callback(null, false);
    }
  };
  ps.pin('__tcfapi', tcfapi);
  ps.pin('__cmp', cmp);
  ps.frame('__tcfapiLocator');
})();`,
		Cookies: func(time.Time) map[string]string {
			return map[string]string{"euconsent-v2": tcString}
		},
		Hosts: []string{
			"consensu.org", "quantcast.com", "cmp.quantcast.com", "consentmanager.net",
			"cookielaw.org", "privacy-mgmt.com",
		},
		Selectors: []string{"#qc-cmp2-container", ".qc-cmp2-container", "#cmpbox", "#cmpbox2", ".cmpboxBG"},
	}
}

func gppVendor() Vendor {
	return Vendor{
		Name: "gpp",
		Script: `(() => {
  const ps = window[Symbol.for('proofshot.consent')];
  const ping = () => ({
    gppVersion: '1.1', cmpStatus: 'loaded', cmpDisplayStatus: 'hidden', signalStatus: 'ready',
    supportedAPIs: ['2:tcfeuv2'], cmpId: 10, sectionList: [], applicableSections: [-1], gppString: 'DBAA',
    parsedSections: {},
  });
  let nextListener = 1;
  const gpp = function (command, callback) {
    if (typeof callback !== 'function') return ping();
    switch (command) {
      case 'ping':
        callback(ping(), true);
        break;
      case 'addEventListener':
        callback({ eventName: 'signalStatus', listenerId: nextListener++, data: 'ready', pingData: ping() }, true);
        break;
      case 'removeEventListener':
        callback(true, true);
        break;
      case 'hasSection':
        callback(false, true);
        break;
      case 'getSection':
      case 'getField':
        callback(null, true);
        break;
      default:
        callback(null, false);
    }
  };
  ps.pin('__gpp', gpp);
  ps.frame('__gppLocator');
})();`,
	}
}

func oneTrustVendor() Vendor {
	return Vendor{
		Name: "onetrust",
		Script: `(() => {
  const ps = window[Symbol.for('proofshot.consent')];
  const groups = ',C0001,C0002,C0003,C0004,C0005,';
  const patch = (ot) => {
    if (!ot || typeof ot !== 'object') return ot;
    ps.force(ot, 'IsAlertBoxClosed', () => true);
    ps.force(ot, 'IsAlertBoxClosedAndValid', () => true);
    ps.force(ot, 'ToggleInfoDisplay', () => {});
    ps.force(ot, 'LoadBanner', () => {});
    ps.force(ot, 'GetDomainData', () => ({ ShowAlertNotice: false, Groups: [] }));
    return ot;
  };
  ps.hook('OneTrust', patch);
  ps.hook('Optanon', patch);
  ps.hook('OnetrustActiveGroups', () => groups);
  ps.hook('OptanonActiveGroups', () => groups);
})();`,
		Cookies: func(now time.Time) map[string]string {
			stamp := now.UTC().Format("2006-01-02T15:04:05.000Z")
			consent := url.Values{}
			consent.Set("isGpcEnabled", "0")
			consent.Set("datestamp", now.UTC().Format(time.RFC1123))
			consent.Set("version", "202409.1.0")
			consent.Set("isIABGlobal", "false")
			consent.Set("hosts", "")
			consent.Set("consentId", uuid.NewString())
			consent.Set("interactionCount", "1")
			consent.Set("landingPath", "NotLandingPage")
			consent.Set("groups", "C0001:1,C0002:1,C0003:1,C0004:1,C0005:1")
			consent.Set("AwaitingReconsent", "false")
			return map[string]string{
				"OptanonAlertBoxClosed": stamp,
				"OptanonConsent":        consent.Encode(),
			}
		},
		Hosts:     []string{"cookielaw.org", "onetrust.com", "cookiepro.com"},
		Selectors: []string{"#onetrust-consent-sdk", "#onetrust-banner-sdk", ".onetrust-pc-dark-filter", "#optanon", ".optanon-alert-box-wrapper"},
	}
}

func cookiebotVendor() Vendor {
	return Vendor{
		Name: "cookiebot",
		Script: `(() => {
  const ps = window[Symbol.for('proofshot.consent')];
  const granted = { necessary: true, preferences: true, statistics: true, marketing: true, method: 'explicit', stamp: '-1' };
  ps.hook('Cookiebot', (cb) => {
    if (!cb || typeof cb !== 'object') return cb;
    ps.force(cb, 'consent', granted);
    ps.force(cb, 'consented', true);
    ps.force(cb, 'declined', false);
    ps.force(cb, 'hasResponse', true);
    ps.force(cb, 'show', () => {});
    ps.force(cb, 'renew', () => {});
    return cb;
  });
  ps.hook('CookieConsent', (cc) => {
    if (!cc || typeof cc !== 'object') return cc;
    ps.force(cc, 'consent', granted);
    ps.force(cc, 'consented', true);
    ps.force(cc, 'hasResponse', true);
    ps.force(cc, 'show', () => {});
    return cc;
  });
})();`,
		Cookies: func(now time.Time) map[string]string {
			v := fmt.Sprintf("{stamp:%%27-1%%27%%2Cnecessary:true%%2Cpreferences:true%%2Cstatistics:true%%2Cmarketing:true%%2Cmethod:%%27explicit%%27%%2Cver:1%%2Cutc:%d%%2Cregion:%%27eu%%27}", now.UnixMilli())
			return map[string]string{"CookieConsent": v}
		},
		Hosts:     []string{"cookiebot.com", "cookiebot.eu", "consent.cookiebot.com", "consentcdn.cookiebot.com"},
		Selectors: []string{"#CybotCookiebotDialog", "#CybotCookiebotDialogBodyUnderlay", "#cookiebanner"},
	}
}

func didomiVendor() Vendor {
	return Vendor{
		Name: "didomi",
		Script: `(() => {
  const ps = window[Symbol.for('proofshot.consent')];
  ps.hook('didomiConfig', (cfg) => {
    if (!cfg || typeof cfg !== 'object') return cfg;
    cfg.notice = Object.assign({}, cfg.notice, { enable: false });
    return cfg;
  });
  ps.hook('Didomi', (d) => {
    if (!d || typeof d !== 'object') return d;
    ps.force(d, 'isConsentRequired', () => false);
    ps.force(d, 'shouldConsentBeCollected', () => false);
    ps.force(d, 'getUserConsentStatusForAll', () => ({ purposes: { enabled: [], disabled: [] }, vendors: { enabled: [], disabled: [] } }));
    ps.force(d, 'getUserConsentStatusForPurpose', () => true);
    ps.force(d, 'getUserConsentStatusForVendor', () => true);
    ps.force(d, 'notice', { show() {}, hide() {}, isVisible: () => false, configure() {} });
    ps.force(d, 'preferences', { show() {}, hide() {}, isVisible: () => false });
    return d;
  });
})();`,
		Storage: map[string]string{"didomi_token": didomiToken(time.Now())},
		Cookies: func(now time.Time) map[string]string {
			return map[string]string{"didomi_token": didomiToken(now), "euconsent-v2": tcString}
		},
		Hosts:     []string{"privacy-center.org", "didomi.io"},
		Selectors: []string{"#didomi-host", "#didomi-notice", ".didomi-popup-backdrop", "#didomi-popup"},
	}
}

func didomiToken(now time.Time) string {
	ts := now.UTC().Format(time.RFC3339)
	tok, _ := json.Marshal(map[string]any{
		"user_id":  uuid.NewString(),
		"created":  ts,
		"updated":  ts,
		"vendors":  map[string]any{"enabled": []string{}},
		"purposes": map[string]any{"enabled": []string{"cookies", "select_basic_ads", "measure_content_performance", "market_research"}},
		"version":  2,
	})
	return base64.StdEncoding.EncodeToString(tok)
}

func usercentricsVendor() Vendor {
	return Vendor{
		Name: "usercentrics",
		Script: `(() => {
  const ps = window[Symbol.for('proofshot.consent')];
  ps.pin('UC_UI_SUPPRESS_CMP_DISPLAY', true);
  ps.hook('UC_UI', (ui) => {
    if (!ui || typeof ui !== 'object') return ui;
    ps.force(ui, 'isInitialized', () => true);
    ps.force(ui, 'areAllConsentsAccepted', () => true);
    ps.force(ui, 'showFirstLayer', () => {});
    ps.force(ui, 'showSecondLayer', () => {});
    ps.force(ui, 'isConsentRequired', () => false);
    return ui;
  });
})();`,
		Storage:   map[string]string{"uc_user_interaction": "true", "uc_ui_version": "3"},
		Hosts:     []string{"usercentrics.eu", "app.usercentrics.eu", "web.cmp.usercentrics.eu"},
		Selectors: []string{"#usercentrics-root", "#usercentrics-cmp-ui", "#uc-banner-modal"},
	}
}

func trustArcVendor() Vendor {
	return Vendor{
		Name: "trustarc",
		Script: `(() => {
  const ps = window[Symbol.for('proofshot.consent')];
  const decision = { source: 'asserted', consentDecision: 2, consentedCategories: [0, 1, 2] };
  const patchApi = (api) => {
    if (!api || typeof api.callApi !== 'function') return api;
    const orig = api.callApi.bind(api);
    ps.force(api, 'callApi', (action, ...rest) => {
      if (action === 'getGDPRConsentDecision' || action === 'getConsentDecision') return decision;
      try { return orig(action, ...rest); } catch (e) { return decision; }
    });
    return api;
  };
  ps.hook('truste', (t) => {
    if (!t || typeof t !== 'object') return t;
    if (t.cma) patchApi(t.cma);
    if (t.eu) ps.force(t.eu, 'bindMap', Object.assign({}, t.eu.bindMap, { prefCookie: '2:' }));
    return t;
  });
  ps.hook('PrivacyManagerAPI', patchApi);
})();`,
		Cookies: func(time.Time) map[string]string {
			return map[string]string{
				"notice_gdpr_prefs":    "0,1,2:",
				"notice_preferences":   "2:",
				"notice_behavior":      "implied,eu",
				"cmapi_cookie_privacy": "permit 1,2,3",
				"cmapi_gtm_bl":         "",
				"TAconsentID":          uuid.NewString(),
			}
		},
		Hosts:     []string{"trustarc.com", "consent.trustarc.com", "truste.com"},
		Selectors: []string{"#truste-consent-track", "#truste-consent-content", ".truste_overlay", ".truste_box_overlay", "#consent_blackbar"},
	}
}

func sourcepointVendor() Vendor {
	return Vendor{
		Name: "sourcepoint",
		Script: `(() => {
  const ps = window[Symbol.for('proofshot.consent')];
  ps.hook('_sp_', (sp) => {
    if (!sp || typeof sp !== 'object') return sp;
    if (sp.config && typeof sp.config === 'object') sp.config.isSPA = true;
    ps.force(sp, 'executeMessaging', () => {});
    ps.force(sp, 'loadPrivacyManagerModal', () => {});
    return sp;
  });
  ps.hook('_sp_queue', (q) => (Array.isArray(q) ? q : []));
})();`,
		Cookies: func(time.Time) map[string]string {
			return map[string]string{"consentUUID": uuid.NewString()}
		},
		Hosts:     []string{"privacy-mgmt.com", "sourcepoint.com", "sp-prod.net"},
		Selectors: []string{"[id^='sp_message_container']", ".sp_veil", "iframe[id^='sp_message_iframe']"},
	}
}

// genericSelectors cover self-hosted banners and smaller CMPs.
var genericSelectors = []string{
	"#cookie-banner", "#cookie-notice", "#cookie-consent", "#cookieConsent", "#cookie-law-info-bar",
	".cookie-banner", ".cookie-notice", ".cookie-consent", ".cookieconsent", ".cc-window", ".cc-banner",
	"#gdpr-banner", ".gdpr-banner", "#consent-banner", ".consent-banner", "#cmplz-cookiebanner-container",
	".cmplz-cookiebanner", "#moove_gdpr_cookie_info_bar", ".fc-consent-root", "#sd-cmp", ".osano-cm-window",
	"#iubenda-cs-banner", "#klaro", ".klaro",
}

// allSelectors returns the deduplicated banner selectors of every vendor
// plus the generic set.
func allSelectors(vendors []Vendor) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, v := range vendors {
		for _, s := range v.Selectors {
			add(s)
		}
	}
	for _, s := range genericSelectors {
		add(s)
	}
	return out
}

// jsString quotes s as a JS string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// cmpHost reports whether host belongs to a CMP of vendors.
func cmpHost(vendors []Vendor, host string) bool {
	host = strings.ToLower(host)
	for _, v := range vendors {
		for _, h := range v.Hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return true
			}
		}
	}
	return false
}
