package config

import (
	"fmt"

	"github.com/Masterminds/semver"
	"github.com/relaydag/relay/internal/fs"
)

// CheckRelayVersionCompatibility makes sure that the Relay version is compatible with the configuration
func CheckRelayVersionCompatibility(relayVersion string, c *Config) error {
	v, err := semver.NewVersion(relayVersion)
	if err != nil {
		panic(err)
	}
	err = checkPackageRelayEngineConstraint(v, c.RootPackageJSON)
	if err != nil {
		return err
	}
	return nil
}

func checkPackageRelayEngineConstraint(relayVersion *semver.Version, packageJSON *fs.PackageJSON) error {
	// The lack of an engine constraint means there's nothing to validate and isn't an error.
	if packageJSON == nil || packageJSON.Engines["relay"] == "" {
		return nil
	}
	c, err := semver.NewConstraint(packageJSON.Engines["relay"])
	if err != nil {
		return fmt.Errorf("package.json: the 'engines.relay' constraint is not valid")
	}
	if !c.Check(relayVersion) {
		return fmt.Errorf("package.json: version '%v' of Relay does not meet the '%v' engine constraint", relayVersion, packageJSON.Engines["relay"])
	}
	return nil
}
