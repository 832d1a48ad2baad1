// Package engine ties the cache pieces into one lifecycle object per version:
// Install precaches the manifest, Activate prunes older generations, and
// Handle dispatches requests through the classifier and strategy executors.
// Deployer swaps engines as new versions are rolled out.
package engine
