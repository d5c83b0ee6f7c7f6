// Package cloud converges the cloud node of a stack.
//
// API is the narrow provider surface (instances, security groups, key
// pairs, remote commands, parameters); AWSClient implements it with
// aws-sdk-go-v2. Manager builds the convergence operations on top of it:
// discovery across regions, at-most-one creation, a bounded health gate
// with recreation, service remediation, configuration push of the search
// service, cost estimation and cleanup.
package cloud
