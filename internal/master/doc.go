// Package master keeps this master registered in the cluster and fails over
// the work of masters and workers that leave it.
package master
