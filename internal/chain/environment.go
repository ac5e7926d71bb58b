package chain

import "regexp"

// Environment is where the user's wallet lives.
type Environment string

const (
	// EnvDesktop is a desktop browser with an injected extension wallet.
	EnvDesktop Environment = "desktop"
	// EnvInApp is the wallet app's own browser, which injects a provider.
	EnvInApp Environment = "in_app"
	// EnvDeepLink is a mobile browser that must hand off to the wallet app.
	EnvDeepLink Environment = "deep_link"
	// EnvLocalKey is a server-held operator key.
	EnvLocalKey Environment = "local_key"
)

var (
	inAppUA  = regexp.MustCompile(`(?i)MetaMaskMobile`)
	mobileUA = regexp.MustCompile(`(?i)Android|iPhone|iPad|iPod|Opera Mini|IEMobile|Mobile`)
)

// DetectEnvironment classifies a browser user agent.
func DetectEnvironment(userAgent string) Environment {
	switch {
	case inAppUA.MatchString(userAgent):
		return EnvInApp
	case mobileUA.MatchString(userAgent):
		return EnvDeepLink
	default:
		return EnvDesktop
	}
}
