/*
Package servicetype implements ServiceTypeStateManager: the per-node map
from service type to registration/disable/continuous-failure state.
Disable is never retried automatically; it lifts only when the owning
VersionedServicePackage re-opens and successfully re-registers the type.
*/
package servicetype
