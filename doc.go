// Package ascent coordinates hyperparameter-optimization studies.
//
// A Study owns a direction (minimize or maximize), a Sampler, a Pruner and a
// Storage backend, and runs a user objective over a pool of workers. The
// objective declares its search space as it runs by calling the Suggest
// methods on its Trial handle; completed trials feed the sampler, which
// narrows where later trials look.
//
// The root package ships an in-memory backend and a uniform random sampler.
// Durable multi-worker storage lives in pgstorage, smarter samplers in tpe,
// gpei, gridsearch and evolution, and early-stopping policies in pruners.
package ascent
