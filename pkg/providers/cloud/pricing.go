package cloud

import (
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/stackctl/pkg/engine"
)

// HoursPerMonth is the billing month used for monthly estimates.
const HoursPerMonth = 730

type priceKey struct {
	instanceType string
	region       string
}

// hourlyPrices are on-demand Linux prices in USD.
var hourlyPrices = map[priceKey]float64{
	{"t3.medium", "eu-west-1"}: 0.0416,
	{"t3.medium", "us-east-1"}: 0.0416,
	{"t3.large", "eu-west-1"}:  0.0832,
	{"t3.large", "us-east-1"}:  0.0832,
	{"t3.xlarge", "eu-west-1"}: 0.1664,
	{"t3.xlarge", "us-east-1"}: 0.1664,
}

// EstimateCosts returns the advisory price of an instance type in a region.
// Unknown pairs yield a zero estimate.
func EstimateCosts(instanceType, region string) engine.CostEstimate {
	est := engine.CostEstimate{InstanceType: instanceType, Region: region}
	hourly, ok := hourlyPrices[priceKey{instanceType, region}]
	if !ok {
		log.Warn().
			Str("instance_type", instanceType).
			Str("region", region).
			Msg("No price known for instance type, estimate is zero")
		return est
	}
	est.Hourly = hourly
	est.Monthly = hourly * HoursPerMonth
	return est
}
